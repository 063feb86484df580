package config

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := path.Join(t.TempDir(), "benchmark.yaml")
	err := os.WriteFile(p, []byte(content), 0o644)
	require.NoError(t, err)
	return p
}

func defaultOpts() Options {
	return Options{
		OutputRoot:               "/tmp/autobench",
		DefaultStartupTimeoutSec: 120,
		DefaultLoadTimeoutSec:    600,
	}
}

func TestLoadValidConfig(t *testing.T) {
	p := writeConfig(t, `
resnet18_w1_b1:
  model: https://example.com/models/resnet-18.mar
  workers: 1
  batch_size: 1
  concurrency: 10
  requests: 1000
bert_w2_b4:
  model: bert-base.mar
  workers: 2
  batch_size: 4
  max_batch_delay: 100
  requests: 50
  generator: http
`)

	cfg, err := Load(p, defaultOpts())
	require.NoError(t, err)
	require.Len(t, cfg.Scenarios, 2)

	first := cfg.Scenarios[0]
	assert.Equal(t, "resnet18_w1_b1", first.Name)
	assert.Equal(t, "https://example.com/models/resnet-18.mar", first.Model)
	assert.Equal(t, "resnet-18", first.ModelName())
	assert.Equal(t, 1, first.Workers)
	assert.Equal(t, 1, first.BatchSize)
	assert.Equal(t, 10, first.Concurrency)
	assert.Equal(t, 1000, first.Requests)
	assert.Equal(t, "external", first.Generator)
	assert.Equal(t, 120, first.StartupTimeoutSec)
	assert.Equal(t, 600, first.LoadTimeoutSec)

	second := cfg.Scenarios[1]
	assert.Equal(t, "bert_w2_b4", second.Name)
	assert.Equal(t, "bert-base", second.ModelName())
	assert.Equal(t, 100, second.MaxBatchDelayMs)
	assert.Equal(t, "http", second.Generator)
	// concurrency is not set, so it falls back to 1
	assert.Equal(t, 1, second.Concurrency)
}

func TestLoadPreservesScenarioOrder(t *testing.T) {
	p := writeConfig(t, `
zz_last_alphabetically:
  model: a.mar
  requests: 1
mm_middle:
  model: b.mar
  requests: 1
aa_first_alphabetically:
  model: c.mar
  requests: 1
`)

	cfg, err := Load(p, defaultOpts())
	require.NoError(t, err)
	require.Len(t, cfg.Scenarios, 3)
	assert.Equal(t, "zz_last_alphabetically", cfg.Scenarios[0].Name)
	assert.Equal(t, "mm_middle", cfg.Scenarios[1].Name)
	assert.Equal(t, "aa_first_alphabetically", cfg.Scenarios[2].Name)
}

func TestLoadDefaultsMergeUnderScenarios(t *testing.T) {
	p := writeConfig(t, `
defaults:
  startup_timeout: 33
  workers: 4
s1:
  model: a.mar
  requests: 10
s2:
  model: b.mar
  requests: 10
  workers: 2
`)

	cfg, err := Load(p, defaultOpts())
	require.NoError(t, err)
	require.Len(t, cfg.Scenarios, 2)
	assert.Equal(t, 33, cfg.Scenarios[0].StartupTimeoutSec)
	assert.Equal(t, 4, cfg.Scenarios[0].Workers)
	// scenario parameters win over defaults
	assert.Equal(t, 2, cfg.Scenarios[1].Workers)
}

func TestLoadIgnoresUnknownKeys(t *testing.T) {
	p := writeConfig(t, `
s1:
  model: a.mar
  requests: 10
  some_future_knob: 42
`)

	cfg, err := Load(p, defaultOpts())
	require.NoError(t, err)
	require.Len(t, cfg.Scenarios, 1)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(path.Join(t.TempDir(), "nope.yaml"), defaultOpts())
	require.Error(t, err)
	ce := &ConfigError{}
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, NotFound, ce.Kind)
}

func TestLoadMalformedFile(t *testing.T) {
	p := writeConfig(t, "this is:\n\tnot: [valid yaml")
	_, err := Load(p, defaultOpts())
	require.Error(t, err)
	ce := &ConfigError{}
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, Malformed, ce.Kind)
}

func TestLoadRootMustBeMapping(t *testing.T) {
	p := writeConfig(t, "- a\n- b\n")
	_, err := Load(p, defaultOpts())
	require.Error(t, err)
	ce := &ConfigError{}
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, Malformed, ce.Kind)
}

func TestLoadMissingModel(t *testing.T) {
	p := writeConfig(t, `
s1:
  requests: 10
`)
	_, err := Load(p, defaultOpts())
	require.Error(t, err)
	ce := &ConfigError{}
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, MissingField, ce.Kind)
	assert.Equal(t, "s1", ce.Scenario)
}

func TestLoadMissingLoadParameters(t *testing.T) {
	p := writeConfig(t, `
s1:
  model: a.mar
`)
	_, err := Load(p, defaultOpts())
	require.Error(t, err)
	ce := &ConfigError{}
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, MissingField, ce.Kind)
}

func TestLoadDuplicateScenarioName(t *testing.T) {
	p := writeConfig(t, `
s1:
  model: a.mar
  requests: 10
s1:
  model: b.mar
  requests: 20
`)
	_, err := Load(p, defaultOpts())
	require.Error(t, err)
	ce := &ConfigError{}
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, DuplicateName, ce.Kind)
	assert.Equal(t, "s1", ce.Scenario)
}

func TestLoadRejectsNamesUnusableAsPaths(t *testing.T) {
	p := writeConfig(t, `
"../escape":
  model: a.mar
  requests: 10
`)
	_, err := Load(p, defaultOpts())
	require.Error(t, err)
	ce := &ConfigError{}
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, BadName, ce.Kind)
}

func TestIsConfigError(t *testing.T) {
	assert.True(t, IsConfigError(&ConfigError{Kind: Malformed, err: os.ErrInvalid}))
	assert.False(t, IsConfigError(os.ErrInvalid))
}

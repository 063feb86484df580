package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

type ErrorKind string

const (
	NotFound      ErrorKind = "not_found"
	Malformed     ErrorKind = "malformed"
	MissingField  ErrorKind = "missing_field"
	DuplicateName ErrorKind = "duplicate_name"
	BadName       ErrorKind = "bad_name"
)

type ConfigError struct {
	Kind     ErrorKind
	Scenario string
	err      error
}

func (e *ConfigError) Error() string {
	if e.Scenario != "" {
		return fmt.Sprintf("config error (%s) in scenario %q: %s", e.Kind, e.Scenario, e.err.Error())
	}
	return fmt.Sprintf("config error (%s): %s", e.Kind, e.err.Error())
}

func (e *ConfigError) Unwrap() error {
	return e.err
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// A single named benchmark scenario. Immutable once loaded.
type ScenarioDescriptor struct {
	Name string `mapstructure:"-"`

	// Server launch parameters.
	Model            string `mapstructure:"model"`
	Workers          int    `mapstructure:"workers"`
	BatchSize        int    `mapstructure:"batch_size"`
	MaxBatchDelayMs  int    `mapstructure:"max_batch_delay"`
	MinServerVersion string `mapstructure:"min_server_version"`

	// Load parameters.
	Concurrency     int            `mapstructure:"concurrency"`
	Requests        int            `mapstructure:"requests"`
	Payload         string         `mapstructure:"payload"`
	Generator       string         `mapstructure:"generator"`
	GeneratorParams map[string]any `mapstructure:"generator_params"`

	StartupTimeoutSec int `mapstructure:"startup_timeout"`
	LoadTimeoutSec    int `mapstructure:"load_timeout"`
}

// ModelName is the model's registration name: the base of the model reference
// without its archive extension. Inference URLs derive from it.
func (d *ScenarioDescriptor) ModelName() string {
	base := path.Base(d.Model)
	return strings.TrimSuffix(base, path.Ext(base))
}

type Options struct {
	OutputRoot               string
	SkipExisting             bool
	DefaultStartupTimeoutSec int
	DefaultLoadTimeoutSec    int
}

// RunConfig is created once per invocation and never mutated afterwards.
type RunConfig struct {
	Path         string
	OutputRoot   string
	SkipExisting bool
	Scenarios    []*ScenarioDescriptor
}

// Scenario names become artifact directory names.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// The reserved defaults key provides parameters merged under every scenario.
const defaultsKey = "defaults"

// Load parses the scenario file at path into a validated RunConfig.
// Scenario order in the file is preserved. Unknown parameter keys are ignored.
func Load(path string, opts Options) (*RunConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigError{Kind: NotFound, err: err}
		}
		return nil, &ConfigError{Kind: Malformed, err: err}
	}

	var doc yaml.Node
	err = yaml.Unmarshal(buf, &doc)
	if err != nil {
		return nil, &ConfigError{Kind: Malformed, err: err}
	}
	if len(doc.Content) == 0 {
		return nil, &ConfigError{Kind: Malformed, err: fmt.Errorf("config file is empty")}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &ConfigError{Kind: Malformed, err: fmt.Errorf("config root must be a mapping of scenario name to parameters")}
	}

	defaults := map[string]any{}
	type rawScenario struct {
		name   string
		params map[string]any
	}
	raws := []rawScenario{}
	seen := map[string]bool{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode := root.Content[i]
		valNode := root.Content[i+1]

		params := map[string]any{}
		err = valNode.Decode(&params)
		if err != nil {
			return nil, &ConfigError{Kind: Malformed, Scenario: keyNode.Value, err: err}
		}

		if keyNode.Value == defaultsKey {
			defaults = params
			continue
		}

		if seen[keyNode.Value] {
			return nil, &ConfigError{Kind: DuplicateName, Scenario: keyNode.Value, err: fmt.Errorf("scenario name appears more than once")}
		}
		seen[keyNode.Value] = true
		raws = append(raws, rawScenario{name: keyNode.Value, params: params})
	}

	cfg := &RunConfig{
		Path:         path,
		OutputRoot:   opts.OutputRoot,
		SkipExisting: opts.SkipExisting,
	}
	for _, raw := range raws {
		desc, err := decodeScenario(raw.name, raw.params, defaults, &opts)
		if err != nil {
			return nil, err
		}
		cfg.Scenarios = append(cfg.Scenarios, desc)
	}
	return cfg, nil
}

func decodeScenario(name string, params, defaults map[string]any, opts *Options) (*ScenarioDescriptor, error) {
	if !nameRe.MatchString(name) {
		return nil, &ConfigError{Kind: BadName, Scenario: name, err: fmt.Errorf("scenario name must be usable as a path segment")}
	}

	merged := map[string]any{}
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	desc := &ScenarioDescriptor{}
	err := mapstructure.Decode(merged, desc)
	if err != nil {
		return nil, &ConfigError{Kind: Malformed, Scenario: name, err: fmt.Errorf("can't convert parameters to a scenario: %w", err)}
	}
	desc.Name = name

	if desc.Model == "" {
		return nil, &ConfigError{Kind: MissingField, Scenario: name, err: fmt.Errorf("model is required")}
	}
	if desc.Concurrency <= 0 && desc.Requests <= 0 {
		return nil, &ConfigError{Kind: MissingField, Scenario: name, err: fmt.Errorf("at least one of concurrency or requests is required")}
	}

	if desc.Workers <= 0 {
		desc.Workers = 1
	}
	if desc.BatchSize <= 0 {
		desc.BatchSize = 1
	}
	if desc.Concurrency <= 0 {
		desc.Concurrency = 1
	}
	if desc.Requests <= 0 {
		desc.Requests = desc.Concurrency
	}
	if desc.Generator == "" {
		desc.Generator = "external"
	}
	if desc.StartupTimeoutSec <= 0 {
		desc.StartupTimeoutSec = opts.DefaultStartupTimeoutSec
	}
	if desc.LoadTimeoutSec <= 0 {
		desc.LoadTimeoutSec = opts.DefaultLoadTimeoutSec
	}

	return desc, nil
}

// Package loadrunner drives a load generator against a running server and
// captures raw metrics. Generators are pluggable and register themselves by
// kind at module load time.
package loadrunner

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelbench/autobench/config"
	"github.com/modelbench/autobench/report"
)

type LoadError struct {
	Scenario string
	Timeout  bool
	err      error
}

func NewLoadError(scenario string, err error) *LoadError {
	return &LoadError{Scenario: scenario, err: err}
}

func NewTimeoutError(scenario string, err error) *LoadError {
	return &LoadError{Scenario: scenario, Timeout: true, err: err}
}

func (e *LoadError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("load generation timed out for scenario %q: %s", e.Scenario, e.err.Error())
	}
	return fmt.Sprintf("load generation failed for scenario %q: %s", e.Scenario, e.err.Error())
}

func (e *LoadError) Unwrap() error {
	return e.err
}

func AsLoadError(err error) (*LoadError, bool) {
	var le *LoadError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// Target is the running service-under-test, as seen by a generator.
type Target struct {
	InferenceURL string
}

// Result of one load run: parsed metrics plus the generator's raw output,
// which is archived alongside them.
type Result struct {
	Metrics *report.RawMetrics
	Raw     []byte
}

type Generator interface {
	Run(ctx context.Context, desc *config.ScenarioDescriptor, target *Target) (*Result, error)
}

type generatorKind string

type generatorFactory func(map[string]any) (Generator, error)

var generators map[generatorKind]generatorFactory

// All generators must register themselves at module load time so that a
// scenario's generator kind can be resolved to an implementation.
func RegisterGenerator(kind string, f generatorFactory) {
	if generators == nil {
		generators = map[generatorKind]generatorFactory{}
	}
	generators[generatorKind(kind)] = f
}

func ExplainGenerators() string {
	out := ""
	for k := range generators {
		if out != "" {
			out += ", "
		}
		out += string(k)
	}
	return out
}

// NewGenerator builds the generator the descriptor names, feeding it the
// scenario's generator parameters with overrides merged on top.
func NewGenerator(desc *config.ScenarioDescriptor, overrides map[string]any) (Generator, error) {
	f, ok := generators[generatorKind(desc.Generator)]
	if !ok {
		return nil, fmt.Errorf("unknown generator kind: %s (known: %s)", desc.Generator, ExplainGenerators())
	}

	params := map[string]any{}
	for k, v := range desc.GeneratorParams {
		params[k] = v
	}
	for k, v := range overrides {
		params[k] = v
	}
	return f(params)
}

package loadrunner

import (
	"context"
	"fmt"
	"testing"

	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelbench/autobench/config"
)

type recordingGenerator struct {
	bin string
}

func (g *recordingGenerator) Run(ctx context.Context, desc *config.ScenarioDescriptor, target *Target) (*Result, error) {
	return nil, fmt.Errorf("not used")
}

func init() {
	RegisterGenerator("recording", func(a map[string]any) (Generator, error) {
		input := struct{ Bin string }{}
		err := mapstructure.Decode(a, &input)
		if err != nil {
			return nil, err
		}
		return &recordingGenerator{bin: input.Bin}, nil
	})
}

func TestNewGeneratorResolvesRegisteredKind(t *testing.T) {
	desc := &config.ScenarioDescriptor{
		Name:            "s1",
		Generator:       "recording",
		GeneratorParams: map[string]any{"bin": "/usr/bin/ab"},
	}

	gen, err := NewGenerator(desc, nil)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/ab", gen.(*recordingGenerator).bin)
}

func TestNewGeneratorOverridesWinOverScenarioParams(t *testing.T) {
	desc := &config.ScenarioDescriptor{
		Name:            "s1",
		Generator:       "recording",
		GeneratorParams: map[string]any{"bin": "/usr/bin/ab"},
	}

	gen, err := NewGenerator(desc, map[string]any{"bin": "/opt/bench/ab2"})
	require.NoError(t, err)
	assert.Equal(t, "/opt/bench/ab2", gen.(*recordingGenerator).bin)
}

func TestNewGeneratorUnknownKind(t *testing.T) {
	desc := &config.ScenarioDescriptor{Name: "s1", Generator: "bogus"}
	_, err := NewGenerator(desc, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown generator kind")
}

func TestLoadErrorFormatting(t *testing.T) {
	plain := NewLoadError("s1", fmt.Errorf("exit status 7"))
	assert.Contains(t, plain.Error(), "s1")
	assert.False(t, plain.Timeout)

	timeout := NewTimeoutError("s1", fmt.Errorf("exceeded load timeout"))
	assert.True(t, timeout.Timeout)
	assert.Contains(t, timeout.Error(), "timed out")

	le, ok := AsLoadError(fmt.Errorf("wrapped: %w", timeout))
	require.True(t, ok)
	assert.True(t, le.Timeout)

	_, ok = AsLoadError(fmt.Errorf("plain"))
	assert.False(t, ok)
}

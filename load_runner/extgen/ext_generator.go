// Package extgen runs an external ab-style benchmarking binary and parses its
// text report.
package extgen

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/modelbench/autobench/config"
	loadrunner "github.com/modelbench/autobench/load_runner"
	"github.com/modelbench/autobench/report"
)

type ExtGeneratorInput struct {
	// Path to the benchmarking binary. "ab" by default.
	Bin string
	// Content type sent with the payload.
	ContentType string `mapstructure:"content_type"`
	// Appended verbatim to the generated arguments.
	ExtraArgs []string `mapstructure:"extra_args"`
}

type generator struct {
	input *ExtGeneratorInput
}

func init() {
	loadrunner.RegisterGenerator("external", func(a map[string]any) (loadrunner.Generator, error) {
		input := &ExtGeneratorInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to ExtGeneratorInput: %w", err)
		}
		return NewExtGenerator(input), nil
	})
}

func NewExtGenerator(input *ExtGeneratorInput) loadrunner.Generator {
	if input.Bin == "" {
		input.Bin = "ab"
	}
	if input.ContentType == "" {
		input.ContentType = "application/octet-stream"
	}
	return &generator{input: input}
}

func (g *generator) buildArgs(desc *config.ScenarioDescriptor, target *loadrunner.Target) []string {
	args := []string{
		"-c", strconv.Itoa(desc.Concurrency),
		"-n", strconv.Itoa(desc.Requests),
	}
	if desc.Payload != "" {
		args = append(args, "-p", desc.Payload, "-T", g.input.ContentType)
	}
	args = append(args, g.input.ExtraArgs...)
	args = append(args, target.InferenceURL)
	return args
}

func (g *generator) Run(ctx context.Context, desc *config.ScenarioDescriptor, target *loadrunner.Target) (*loadrunner.Result, error) {
	args := g.buildArgs(desc, target)
	slog.Debug("load generator command", slog.String("scenario", desc.Name), slog.String("bin", g.input.Bin), slog.String("args", strings.Join(args, " ")))

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(desc.LoadTimeoutSec)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, g.input.Bin, args...)
	out, err := cmd.CombinedOutput()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, loadrunner.NewTimeoutError(desc.Name, fmt.Errorf("exceeded load timeout of %ds", desc.LoadTimeoutSec))
	}
	if err != nil {
		slog.Error("load generator failed", slog.String("scenario", desc.Name), slog.String("error", err.Error()), slog.String("output", string(out)))
		return nil, loadrunner.NewLoadError(desc.Name, fmt.Errorf("generator process failed: %w", err))
	}

	metrics, err := ParseOutput(out)
	if err != nil {
		return nil, loadrunner.NewLoadError(desc.Name, fmt.Errorf("failed to parse generator output: %w", err))
	}
	return &loadrunner.Result{Metrics: metrics, Raw: out}, nil
}

// ParseOutput extracts metrics from an ab-style text report.
func ParseOutput(out []byte) (*report.RawMetrics, error) {
	metrics := &report.RawMetrics{}
	percentiles := map[int]float64{}
	sawRPS := false
	inPercentiles := false

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "Complete requests:"):
			v, err := lastFieldInt(line)
			if err != nil {
				return nil, err
			}
			metrics.Requests = v
		case strings.HasPrefix(line, "Failed requests:"):
			v, err := lastFieldInt(line)
			if err != nil {
				return nil, err
			}
			metrics.ErrorCount = v
		case strings.HasPrefix(line, "Time taken for tests:"):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return nil, fmt.Errorf("malformed total time line: %q", line)
			}
			v, err := strconv.ParseFloat(fields[len(fields)-2], 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse total time: %w", err)
			}
			metrics.TotalTimeSec = v
		case strings.HasPrefix(line, "Requests per second:"):
			fields := strings.Fields(line)
			if len(fields) < 5 {
				return nil, fmt.Errorf("malformed requests per second line: %q", line)
			}
			v, err := strconv.ParseFloat(fields[3], 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse requests per second: %w", err)
			}
			metrics.ThroughputRPS = v
			sawRPS = true
		case strings.HasPrefix(line, "Percentage of the requests"):
			inPercentiles = true
		case inPercentiles && strings.HasSuffix(firstField(line), "%"):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			p, err := strconv.Atoi(strings.TrimSuffix(fields[0], "%"))
			if err != nil {
				continue
			}
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				continue
			}
			percentiles[p] = v
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if !sawRPS {
		return nil, fmt.Errorf("did not find requests per second in generator output")
	}
	p50, ok := percentiles[50]
	if !ok {
		return nil, fmt.Errorf("did not find latency percentiles in generator output")
	}
	metrics.LatencyP50Ms = p50
	metrics.LatencyP90Ms = percentiles[90]
	metrics.LatencyP99Ms = percentiles[99]
	return metrics, nil
}

func firstField(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func lastFieldInt(line string) (int, error) {
	fields := strings.Fields(line)
	v, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, fmt.Errorf("failed to parse %q: %w", line, err)
	}
	return v, nil
}

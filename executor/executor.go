// Package executor runs one scenario end to end: skip check, server start,
// load run, server stop. Failures never propagate past this boundary; they
// become failed results so the run continues.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/modelbench/autobench/config"
	loadrunner "github.com/modelbench/autobench/load_runner"
	"github.com/modelbench/autobench/report"
	serverlifecycle "github.com/modelbench/autobench/server_lifecycle"
	systemmonitor "github.com/modelbench/autobench/system_monitor"
	"github.com/modelbench/autobench/util"
)

const (
	ServerLogName       = "server.log"
	GeneratorOutputName = "generator_output.txt"
)

type Lifecycle interface {
	Start(ctx context.Context, desc *config.ScenarioDescriptor) (*serverlifecycle.Handle, error)
	Stop(h *serverlifecycle.Handle) error
}

type SkipChecker interface {
	ShouldSkip(desc *config.ScenarioDescriptor, skipExisting bool) bool
}

type ExecutorInput struct {
	Lifecycle    Lifecycle
	Skips        SkipChecker
	SkipExisting bool

	// Built from the descriptor for each scenario. loadrunner.NewGenerator
	// with CLI overrides in production; fakes in tests.
	NewGenerator func(desc *config.ScenarioDescriptor) (loadrunner.Generator, error)

	// Optional. When set, a monitor samples the host while the load runs.
	NewMonitor func() systemmonitor.SystemMonitor
}

type ScenarioExecutor struct {
	input *ExecutorInput
}

func NewScenarioExecutor(input *ExecutorInput) *ScenarioExecutor {
	return &ScenarioExecutor{input: input}
}

// Execute produces exactly one result per descriptor, plus raw log artifacts
// keyed by file name for the store to persist.
func (e *ScenarioExecutor) Execute(ctx context.Context, desc *config.ScenarioDescriptor) (*report.ScenarioResult, map[string][]byte) {
	result := &report.ScenarioResult{
		Name:     desc.Name,
		Input:    util.StructMap(desc),
		Metadata: map[string]string{},
	}
	raw := map[string][]byte{}

	if e.input.Skips.ShouldSkip(desc, e.input.SkipExisting) {
		slog.Info("skipping scenario, result already exists", slog.String("name", desc.Name))
		result.Status = report.StatusSkipped
		return result, raw
	}

	handle, startErr := e.input.Lifecycle.Start(ctx, desc)
	// Stop runs on every exit path, including a partially failed start, so no
	// server process is ever orphaned.
	defer func() {
		err := e.input.Lifecycle.Stop(handle)
		if err != nil {
			slog.Error("failed to stop server", slog.String("name", desc.Name), slog.String("error", err.Error()))
		}
		if handle != nil {
			if log := handle.ServerLog(); len(log) > 0 {
				raw[ServerLogName] = log
			}
		}
	}()

	if startErr != nil {
		slog.Error("scenario failed during server startup", slog.String("name", desc.Name), slog.String("error", startErr.Error()))
		result.Status = report.StatusFailed
		result.Error = startErr.Error()
		return result, raw
	}
	result.Metadata["serverVersion"] = handle.Version
	result.Metadata["serverPID"] = strconv.Itoa(handle.PID)

	gen, err := e.input.NewGenerator(desc)
	if err != nil {
		result.Status = report.StatusFailed
		result.Error = fmt.Errorf("failed to build load generator: %w", err).Error()
		return result, raw
	}

	var mon systemmonitor.SystemMonitor
	if e.input.NewMonitor != nil {
		mon = e.input.NewMonitor()
		mon.StartMonitoring()
	}

	loadRes, loadErr := gen.Run(ctx, desc, &loadrunner.Target{InferenceURL: handle.InferenceURL})

	if mon != nil {
		mon.StopMonitoring()
		mon.WaitUntilStopped()
		result.SystemMeasurements = mon.GetSystemMeasurements()
	}

	if loadErr != nil {
		slog.Error("scenario failed during load generation", slog.String("name", desc.Name), slog.String("error", loadErr.Error()))
		result.Status = report.StatusFailed
		result.Error = loadErr.Error()
		return result, raw
	}

	result.Status = report.StatusSuccess
	result.Metrics = loadRes.Metrics
	if len(loadRes.Raw) > 0 {
		raw[GeneratorOutputName] = loadRes.Raw
	}
	slog.Info("scenario finished",
		slog.String("name", desc.Name),
		slog.Float64("throughputRPS", loadRes.Metrics.ThroughputRPS),
		slog.Float64("p99Ms", loadRes.Metrics.LatencyP99Ms),
	)
	return result, raw
}

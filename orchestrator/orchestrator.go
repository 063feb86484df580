// Package orchestrator iterates the configured scenarios in order, one at a
// time, and aggregates their results into the run report. A scenario failure
// never fails the run; only config and output-root errors are fatal.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/modelbench/autobench/config"
	"github.com/modelbench/autobench/report"
	"github.com/schollz/progressbar/v3"
)

type Executor interface {
	Execute(ctx context.Context, desc *config.ScenarioDescriptor) (*report.ScenarioResult, map[string][]byte)
}

type Store interface {
	Record(res *report.ScenarioResult, raw map[string][]byte) error
	WriteReport(rep *report.RunReport) error
}

type OrchestratorInput struct {
	Executor     Executor
	Store        Store
	ShowProgress bool
}

type BenchmarkOrchestrator struct {
	input *OrchestratorInput
}

func NewBenchmarkOrchestrator(input *OrchestratorInput) *BenchmarkOrchestrator {
	return &BenchmarkOrchestrator{input: input}
}

// Run executes every scenario sequentially. Scenarios own the host and the
// server port exclusively while they run, so there is no cross-scenario
// parallelism. The report is written even when scenarios fail or the run is
// cancelled part-way, so the nightly job always has an artifact to upload.
func (o *BenchmarkOrchestrator) Run(ctx context.Context, cfg *config.RunConfig) (*report.RunReport, error) {
	rep := &report.RunReport{
		RunID:        uuid.NewString(),
		ConfigPath:   cfg.Path,
		OutputRoot:   cfg.OutputRoot,
		SkipExisting: cfg.SkipExisting,
		StartedAt:    time.Now().UTC(),
		Results:      []*report.ScenarioResult{},
	}

	var bar *progressbar.ProgressBar
	if o.input.ShowProgress {
		bar = progressbar.Default(int64(len(cfg.Scenarios)), "scenarios")
	}

	cancelled := false
	for _, desc := range cfg.Scenarios {
		if ctx.Err() != nil {
			slog.Warn("run cancelled, remaining scenarios will not execute", slog.String("next", desc.Name))
			cancelled = true
			break
		}

		result, raw := o.input.Executor.Execute(ctx, desc)

		// Skipped results must not touch the store: recording would replace
		// the prior artifacts the skip is preserving.
		if result.Status != report.StatusSkipped {
			err := o.input.Store.Record(result, raw)
			if err != nil {
				slog.Error("failed to record scenario result", slog.String("name", desc.Name), slog.String("error", err.Error()))
				result.Status = report.StatusFailed
				if result.Error == "" {
					result.Error = fmt.Errorf("failed to persist result: %w", err).Error()
				}
			}
		}

		rep.Results = append(rep.Results, result)
		if bar != nil {
			bar.Add(1)
		}
	}

	rep.FinishedAt = time.Now().UTC()

	err := o.input.Store.WriteReport(rep)
	if err != nil {
		return rep, fmt.Errorf("failed to write run report: %w", err)
	}

	success, failed, skipped := rep.Counts()
	slog.Info("run finished",
		slog.String("runID", rep.RunID),
		slog.Int("success", success),
		slog.Int("failed", failed),
		slog.Int("skipped", skipped),
	)

	if cancelled {
		return rep, ctx.Err()
	}
	return rep, nil
}

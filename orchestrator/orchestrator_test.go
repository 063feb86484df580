package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelbench/autobench/config"
	"github.com/modelbench/autobench/report"
)

type fakeExecutor struct {
	executed []string
	statuses map[string]report.Status
}

func (f *fakeExecutor) Execute(ctx context.Context, desc *config.ScenarioDescriptor) (*report.ScenarioResult, map[string][]byte) {
	f.executed = append(f.executed, desc.Name)
	status, ok := f.statuses[desc.Name]
	if !ok {
		status = report.StatusSuccess
	}
	res := &report.ScenarioResult{Name: desc.Name, Status: status}
	if status == report.StatusFailed {
		res.Error = "scenario failed"
	}
	return res, map[string][]byte{"server.log": []byte("log")}
}

type fakeStore struct {
	recorded       []string
	recordErr      error
	writeReportErr error
	reports        int
}

func (f *fakeStore) Record(res *report.ScenarioResult, raw map[string][]byte) error {
	f.recorded = append(f.recorded, res.Name)
	return f.recordErr
}

func (f *fakeStore) WriteReport(rep *report.RunReport) error {
	f.reports++
	return f.writeReportErr
}

func testConfig(names ...string) *config.RunConfig {
	cfg := &config.RunConfig{Path: "benchmark.yaml", OutputRoot: "/tmp/autobench"}
	for _, n := range names {
		cfg.Scenarios = append(cfg.Scenarios, &config.ScenarioDescriptor{Name: n, Model: n + ".mar", Requests: 1})
	}
	return cfg
}

func newOrchestrator(e Executor, s Store) *BenchmarkOrchestrator {
	return NewBenchmarkOrchestrator(&OrchestratorInput{Executor: e, Store: s})
}

func TestRunProducesOneResultPerScenarioInOrder(t *testing.T) {
	exec := &fakeExecutor{}
	store := &fakeStore{}
	o := newOrchestrator(exec, store)

	rep, err := o.Run(context.Background(), testConfig("c", "a", "b"))
	require.NoError(t, err)

	require.Len(t, rep.Results, 3)
	assert.Equal(t, "c", rep.Results[0].Name)
	assert.Equal(t, "a", rep.Results[1].Name)
	assert.Equal(t, "b", rep.Results[2].Name)
	assert.Equal(t, []string{"c", "a", "b"}, exec.executed)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, 1, store.reports)
}

func TestRunContinuesPastScenarioFailures(t *testing.T) {
	exec := &fakeExecutor{statuses: map[string]report.Status{"b": report.StatusFailed}}
	store := &fakeStore{}
	o := newOrchestrator(exec, store)

	rep, err := o.Run(context.Background(), testConfig("a", "b", "c"))
	require.NoError(t, err)

	require.Len(t, rep.Results, 3)
	success, failed, skipped := rep.Counts()
	assert.Equal(t, 2, success)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 0, skipped)
}

func TestRunDoesNotRecordSkippedResults(t *testing.T) {
	exec := &fakeExecutor{statuses: map[string]report.Status{"a": report.StatusSkipped}}
	store := &fakeStore{}
	o := newOrchestrator(exec, store)

	rep, err := o.Run(context.Background(), testConfig("a", "b"))
	require.NoError(t, err)

	require.Len(t, rep.Results, 2)
	assert.Equal(t, report.StatusSkipped, rep.Results[0].Status)
	assert.Equal(t, []string{"b"}, store.recorded, "skipped results must not touch the store")
}

func TestRunMarksResultFailedWhenRecordFails(t *testing.T) {
	exec := &fakeExecutor{}
	store := &fakeStore{recordErr: fmt.Errorf("disk full")}
	o := newOrchestrator(exec, store)

	rep, err := o.Run(context.Background(), testConfig("a"))
	require.NoError(t, err, "a per-scenario persistence failure is not fatal")

	require.Len(t, rep.Results, 1)
	assert.Equal(t, report.StatusFailed, rep.Results[0].Status)
	assert.Contains(t, rep.Results[0].Error, "disk full")
	assert.Equal(t, 1, store.reports, "the report is still written")
}

func TestRunFailsWhenReportCannotBeWritten(t *testing.T) {
	exec := &fakeExecutor{}
	store := &fakeStore{writeReportErr: fmt.Errorf("permission denied")}
	o := newOrchestrator(exec, store)

	_, err := o.Run(context.Background(), testConfig("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestRunStopsOnCancellationButStillWritesReport(t *testing.T) {
	exec := &fakeExecutor{}
	store := &fakeStore{}
	o := newOrchestrator(exec, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := o.Run(ctx, testConfig("a", "b"))
	require.Error(t, err)
	assert.Empty(t, exec.executed, "scenarios not yet started are never executed")
	assert.Empty(t, rep.Results)
	assert.Equal(t, 1, store.reports, "the report artifact is written even on cancellation")
}

func TestRunWithNoScenarios(t *testing.T) {
	exec := &fakeExecutor{}
	store := &fakeStore{}
	o := newOrchestrator(exec, store)

	rep, err := o.Run(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Empty(t, rep.Results)
	assert.Equal(t, 1, store.reports)
}

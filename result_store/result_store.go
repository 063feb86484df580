package resultstore

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/modelbench/autobench/config"
	"github.com/modelbench/autobench/report"
)

const (
	MetricsFileName  = "metrics.json"
	CompleteMarker   = ".complete"
	ReportFileName   = "report.json"
	markerTimeFormat = time.RFC3339
)

// ResultStore is the sole writer of the output root. All writes go through a
// temp-file-then-rename so a crash mid-write never leaves a false completion
// signal.
type ResultStore struct {
	root string
}

func NewResultStore(root string) (*ResultStore, error) {
	err := os.MkdirAll(root, fs.ModePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to create output root %s: %w", root, err)
	}
	return &ResultStore{root: root}, nil
}

func (s *ResultStore) Root() string {
	return s.root
}

func (s *ResultStore) ScenarioDir(name string) string {
	return path.Join(s.root, name)
}

// Exists reports whether a prior completed result is present for the scenario.
// Both the metrics artifact and the completion marker must be present.
func (s *ResultStore) Exists(name string) bool {
	dir := s.ScenarioDir(name)
	if _, err := os.Stat(path.Join(dir, CompleteMarker)); err != nil {
		return false
	}
	if _, err := os.Stat(path.Join(dir, MetricsFileName)); err != nil {
		return false
	}
	return true
}

func (s *ResultStore) ShouldSkip(desc *config.ScenarioDescriptor, skipExisting bool) bool {
	return skipExisting && s.Exists(desc.Name)
}

// Record persists the result and any raw log files into the scenario's
// artifact directory, replacing whatever was there. The completion marker is
// written last and only for successful results, so a failed scenario is
// re-attempted on the next skip-enabled run.
func (s *ResultStore) Record(res *report.ScenarioResult, raw map[string][]byte) error {
	dir := s.ScenarioDir(res.Name)
	err := os.RemoveAll(dir)
	if err != nil {
		return fmt.Errorf("failed to clear scenario dir %s: %w", dir, err)
	}
	err = os.MkdirAll(dir, fs.ModePerm)
	if err != nil {
		return fmt.Errorf("failed to create scenario dir %s: %w", dir, err)
	}

	for name, buf := range raw {
		err = s.writeAtomic(path.Join(dir, name), buf)
		if err != nil {
			return err
		}
		res.LogRefs = append(res.LogRefs, name)
	}

	buf, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal scenario result: %w", err)
	}
	err = s.writeAtomic(path.Join(dir, MetricsFileName), buf)
	if err != nil {
		return err
	}

	if res.Status == report.StatusSuccess {
		marker := []byte(time.Now().UTC().Format(markerTimeFormat) + "\n")
		err = s.writeAtomic(path.Join(dir, CompleteMarker), marker)
		if err != nil {
			return err
		}
	}

	slog.Debug("recorded scenario result", slog.String("name", res.Name), slog.String("status", string(res.Status)))
	return nil
}

// WriteReport persists the aggregated run report at the top of the output root.
func (s *ResultStore) WriteReport(rep *report.RunReport) error {
	buf, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}
	return s.writeAtomic(path.Join(s.root, ReportFileName), buf)
}

func (s *ResultStore) writeAtomic(dst string, buf []byte) error {
	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(buf)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	err = tmp.Close()
	if err != nil {
		return fmt.Errorf("failed to close temp file for %s: %w", dst, err)
	}

	err = os.Rename(tmp.Name(), dst)
	if err != nil {
		return fmt.Errorf("failed to rename temp file into %s: %w", dst, err)
	}
	return nil
}

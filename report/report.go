package report

import "time"

type Measurement[T any] struct {
	Time  int64
	Value T
}

type DeviceMeasurement[T any] struct {
	DeviceName  string
	Measurement Measurement[T]
}

// Host-level counters sampled while the load generator runs.
type SystemMeasurements struct {
	CpuUsageUser   []Measurement[float64]
	CpuUsageSystem []Measurement[float64]
	CpuUsageIdle   []Measurement[float64]
	CpuUsageIowait []Measurement[float64]

	MemTotalBytes []Measurement[int]
	MemUsedBytes  []Measurement[int]
	MemUsedPct    []Measurement[float64]
	MemAvailBytes []Measurement[int]

	NetBytesSent   []DeviceMeasurement[int]
	NetBytesRecv   []DeviceMeasurement[int]
	NetPacketsSent []DeviceMeasurement[int]
	NetPacketsRecv []DeviceMeasurement[int]
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// RawMetrics is what a load generator measures for one scenario.
type RawMetrics struct {
	Requests      int
	ThroughputRPS float64
	LatencyP50Ms  float64
	LatencyP90Ms  float64
	LatencyP99Ms  float64
	ErrorCount    int
	TotalTimeSec  float64
}

type ScenarioResult struct {
	Name     string
	Status   Status
	Input    map[string]any
	Metadata map[string]string
	Error    string // non-empty iff the scenario failed
	Metrics  *RawMetrics

	// Paths relative to the scenario's artifact directory.
	LogRefs []string

	SystemMeasurements *SystemMeasurements
}

type RunReport struct {
	RunID        string
	ConfigPath   string
	OutputRoot   string
	SkipExisting bool
	StartedAt    time.Time
	FinishedAt   time.Time
	Results      []*ScenarioResult
}

func (r *RunReport) Counts() (success, failed, skipped int) {
	for _, res := range r.Results {
		switch res.Status {
		case StatusSuccess:
			success++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return
}

// Package httpgen is a built-in closed-loop HTTP load generator used when no
// external benchmarking binary is available.
package httpgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/alitto/pond"
	"github.com/mitchellh/mapstructure"
	"github.com/modelbench/autobench/config"
	loadrunner "github.com/modelbench/autobench/load_runner"
	"github.com/modelbench/autobench/report"
)

type HTTPGeneratorInput struct {
	ContentType string `mapstructure:"content_type"`
	// Per-request timeout. The whole run is separately bounded by the
	// scenario's load timeout.
	RequestTimeoutSec int `mapstructure:"request_timeout"`
}

type generator struct {
	input *HTTPGeneratorInput
}

func init() {
	loadrunner.RegisterGenerator("http", func(a map[string]any) (loadrunner.Generator, error) {
		input := &HTTPGeneratorInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to HTTPGeneratorInput: %w", err)
		}
		return NewHTTPGenerator(input), nil
	})
}

func NewHTTPGenerator(input *HTTPGeneratorInput) loadrunner.Generator {
	if input.ContentType == "" {
		input.ContentType = "application/octet-stream"
	}
	if input.RequestTimeoutSec <= 0 {
		input.RequestTimeoutSec = 30
	}
	return &generator{input: input}
}

// latency histogram from 1us to 10min, 3 significant figures
func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3)
}

func (g *generator) Run(ctx context.Context, desc *config.ScenarioDescriptor, target *loadrunner.Target) (*loadrunner.Result, error) {
	var payload []byte
	if desc.Payload != "" {
		var err error
		payload, err = os.ReadFile(desc.Payload)
		if err != nil {
			return nil, loadrunner.NewLoadError(desc.Name, fmt.Errorf("failed to read payload file: %w", err))
		}
	}

	client := &http.Client{Timeout: time.Duration(g.input.RequestTimeoutSec) * time.Second}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(desc.LoadTimeoutSec)*time.Second)
	defer cancel()

	hist := newHistogram()
	histMu := sync.Mutex{}
	var errorCount atomic.Int64

	slog.Info("starting load", slog.String("scenario", desc.Name), slog.Int("concurrency", desc.Concurrency), slog.Int("requests", desc.Requests))
	start := time.Now()

	pool := pond.New(desc.Concurrency, 0, pond.MinWorkers(desc.Concurrency), pond.Context(runCtx))
	for i := 0; i < desc.Requests; i++ {
		pool.Submit(func() {
			if runCtx.Err() != nil {
				errorCount.Add(1)
				return
			}
			reqStart := time.Now()
			err := g.doRequest(runCtx, client, target.InferenceURL, payload)
			latencyUs := time.Since(reqStart).Microseconds()
			if err != nil {
				errorCount.Add(1)
				return
			}
			histMu.Lock()
			hist.RecordValue(latencyUs)
			histMu.Unlock()
		})
	}
	pool.StopAndWait()

	wall := time.Since(start)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, loadrunner.NewTimeoutError(desc.Name, fmt.Errorf("exceeded load timeout of %ds", desc.LoadTimeoutSec))
	}

	completed := int(hist.TotalCount())
	if completed == 0 {
		return nil, loadrunner.NewLoadError(desc.Name, fmt.Errorf("no request completed successfully"))
	}

	metrics := &report.RawMetrics{
		Requests:      desc.Requests,
		ThroughputRPS: float64(completed) / wall.Seconds(),
		LatencyP50Ms:  float64(hist.ValueAtQuantile(50)) / 1000.0,
		LatencyP90Ms:  float64(hist.ValueAtQuantile(90)) / 1000.0,
		LatencyP99Ms:  float64(hist.ValueAtQuantile(99)) / 1000.0,
		ErrorCount:    int(errorCount.Load()),
		TotalTimeSec:  wall.Seconds(),
	}

	raw := fmt.Sprintf(
		"url: %s\nrequests: %d\ncompleted: %d\nerrors: %d\nwall_time_sec: %.3f\np50_ms: %.3f\np90_ms: %.3f\np99_ms: %.3f\nmax_ms: %.3f\n",
		target.InferenceURL, desc.Requests, completed, metrics.ErrorCount, metrics.TotalTimeSec,
		metrics.LatencyP50Ms, metrics.LatencyP90Ms, metrics.LatencyP99Ms, float64(hist.Max())/1000.0,
	)
	return &loadrunner.Result{Metrics: metrics, Raw: []byte(raw)}, nil
}

func (g *generator) doRequest(ctx context.Context, client *http.Client, url string, payload []byte) error {
	var req *http.Request
	var err error
	if payload == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if req != nil {
			req.Header.Set("Content-Type", g.input.ContentType)
		}
	}
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}

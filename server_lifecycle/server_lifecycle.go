// Package serverlifecycle starts, health-checks, and stops the model-serving
// process a scenario benchmarks.
package serverlifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go"
	goversion "github.com/hashicorp/go-version"
	"github.com/modelbench/autobench/config"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

type StartupError struct {
	Scenario string
	err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("failed to start server for scenario %q: %s", e.Scenario, e.err.Error())
}

func (e *StartupError) Unwrap() error {
	return e.err
}

func IsStartupError(err error) bool {
	var se *StartupError
	return errors.As(err, &se)
}

// Handle refers to one live (or dead) server process. Every handle returned
// by Start, even alongside a StartupError, must be passed to Stop so no
// process is orphaned.
type Handle struct {
	InferenceURL string
	HealthURL    string
	Version      string
	PID          int

	cmd    *exec.Cmd
	waitCh chan struct{}
	outBuf *lockedBuffer

	mu    sync.Mutex
	state State
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// ServerLog returns the combined output captured from the server process so far.
func (h *Handle) ServerLog() []byte {
	if h.outBuf == nil {
		return nil
	}
	return h.outBuf.Bytes()
}

func (h *Handle) exited() bool {
	select {
	case <-h.waitCh:
		return true
	default:
		return false
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

type LifecycleInput struct {
	// Path to the model-serving binary.
	ServerBin string
	Host      string
	Port      int
	// How long Stop waits after SIGTERM before sending SIGKILL.
	GracePeriod time.Duration
}

type Lifecycle struct {
	input  *LifecycleInput
	client *http.Client
}

func NewLifecycle(input *LifecycleInput) *Lifecycle {
	if input.Host == "" {
		input.Host = "127.0.0.1"
	}
	if input.Port == 0 {
		input.Port = 8080
	}
	if input.GracePeriod == 0 {
		input.GracePeriod = 10 * time.Second
	}
	return &Lifecycle{
		input:  input,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type healthResponse struct {
	Status  string
	Version string
}

// Start launches the serving process for the scenario and blocks until it is
// healthy or the scenario's startup timeout elapses. On failure after the
// process was spawned, the returned handle is non-nil and the caller must
// still Stop it.
func (l *Lifecycle) Start(ctx context.Context, desc *config.ScenarioDescriptor) (*Handle, error) {
	args := []string{
		"--model", desc.Model,
		"--workers", strconv.Itoa(desc.Workers),
		"--batch-size", strconv.Itoa(desc.BatchSize),
		"--port", strconv.Itoa(l.input.Port),
	}
	if desc.MaxBatchDelayMs > 0 {
		args = append(args, "--max-batch-delay", strconv.Itoa(desc.MaxBatchDelayMs))
	}

	base := fmt.Sprintf("http://%s:%d", l.input.Host, l.input.Port)
	h := &Handle{
		InferenceURL: base + "/predictions/" + desc.ModelName(),
		HealthURL:    base + "/ping",
		waitCh:       make(chan struct{}),
		outBuf:       &lockedBuffer{},
		state:        StateStarting,
	}

	cmd := exec.Command(l.input.ServerBin, args...)
	cmd.Stdout = h.outBuf
	cmd.Stderr = h.outBuf
	h.cmd = cmd

	slog.Info("starting server", slog.String("scenario", desc.Name), slog.String("bin", l.input.ServerBin), slog.Int("workers", desc.Workers), slog.Int("batchSize", desc.BatchSize))
	err := cmd.Start()
	if err != nil {
		h.setState(StateFailed)
		close(h.waitCh)
		return nil, &StartupError{Scenario: desc.Name, err: fmt.Errorf("failed to spawn server process: %w", err)}
	}
	h.PID = cmd.Process.Pid

	go func() {
		cmd.Wait()
		close(h.waitCh)
	}()

	startupCtx, cancel := context.WithTimeout(ctx, time.Duration(desc.StartupTimeoutSec)*time.Second)
	defer cancel()

	err = l.waitReady(startupCtx, desc, h)
	if err != nil {
		h.setState(StateFailed)
		return h, &StartupError{Scenario: desc.Name, err: err}
	}

	h.setState(StateReady)
	slog.Info("server is ready", slog.String("scenario", desc.Name), slog.Int("pid", h.PID), slog.String("version", h.Version))
	return h, nil
}

func (l *Lifecycle) waitReady(ctx context.Context, desc *config.ScenarioDescriptor, h *Handle) error {
	return retry.Do(
		func() error {
			if h.exited() {
				return retry.Unrecoverable(fmt.Errorf("server process exited during startup"))
			}
			return l.checkHealth(ctx, desc, h)
		},
		retry.Context(ctx),
		// The real bound is the startup timeout on ctx.
		retry.Attempts(10000),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

func (l *Lifecycle) checkHealth(ctx context.Context, desc *config.ScenarioDescriptor, h *Handle) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.HealthURL, nil)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("health endpoint is not reachable: %w", err)
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}

	health := healthResponse{}
	err = json.Unmarshal(buf, &health)
	if err != nil {
		return fmt.Errorf("failed to parse health response: %w", err)
	}
	if health.Status != "Healthy" {
		return fmt.Errorf("server reported status %q", health.Status)
	}

	h.Version = health.Version
	if desc.MinServerVersion != "" && health.Version != "" {
		minVer, err := goversion.NewVersion(desc.MinServerVersion)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("invalid min_server_version %q: %w", desc.MinServerVersion, err))
		}
		gotVer, err := goversion.NewVersion(health.Version)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("server reported unparseable version %q: %w", health.Version, err))
		}
		if gotVer.LessThan(minVer) {
			return retry.Unrecoverable(fmt.Errorf("server version %s is older than required %s", gotVer, minVer))
		}
	}
	return nil
}

// Stop terminates the server process gracefully, escalating to SIGKILL after
// the grace period. Stop is idempotent and safe to call on a handle whose
// start failed part-way.
func (l *Lifecycle) Stop(h *Handle) error {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	if h.State() == StateStopped {
		return nil
	}
	h.setState(StateStopping)

	if h.exited() {
		h.setState(StateStopped)
		return nil
	}

	slog.Info("stopping server", slog.Int("pid", h.PID))
	err := h.cmd.Process.Signal(syscall.SIGTERM)
	if err != nil {
		// The process may have exited between the check and the signal.
		slog.Debug("SIGTERM failed", slog.Int("pid", h.PID), slog.String("error", err.Error()))
	}

	select {
	case <-h.waitCh:
	case <-time.After(l.input.GracePeriod):
		slog.Warn("server did not exit within grace period, killing", slog.Int("pid", h.PID))
		err = h.cmd.Process.Kill()
		if err != nil {
			slog.Debug("SIGKILL failed", slog.Int("pid", h.PID), slog.String("error", err.Error()))
		}
		<-h.waitCh
	}

	h.setState(StateStopped)
	slog.Info("server stopped", slog.Int("pid", h.PID))
	return nil
}

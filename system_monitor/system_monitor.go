// Package systemmonitor samples host-level counters from /proc while a
// scenario's load is running.
package systemmonitor

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelbench/autobench/report"
)

type SystemMonitor interface {
	StartMonitoring()
	StopMonitoring()
	WaitUntilStopped()
	GetSystemMeasurements() *report.SystemMeasurements
}

type systemMonitor struct {
	procRoot string
	stop     *atomic.Bool
	wg       *sync.WaitGroup
	sm       *report.SystemMeasurements
}

// NewSystemMonitor samples from procRoot (normally "/proc"). The root is a
// parameter so tests can point it at a fixture tree.
func NewSystemMonitor(procRoot string) SystemMonitor {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &systemMonitor{
		procRoot: procRoot,
		stop:     &atomic.Bool{},
		wg:       &sync.WaitGroup{},
		sm:       &report.SystemMeasurements{},
	}
}

func (mon *systemMonitor) StartMonitoring() {
	mon.wg.Add(1)
	go mon.runMonitor()
}

func (mon *systemMonitor) StopMonitoring() {
	mon.stop.Store(true)
}

func (mon *systemMonitor) WaitUntilStopped() {
	mon.wg.Wait()
}

func (mon *systemMonitor) GetSystemMeasurements() *report.SystemMeasurements {
	return mon.sm
}

var loopTime = 1 * time.Second

func (mon *systemMonitor) runMonitor() {
	var prevCPU *cpuTimeStat
	defer mon.wg.Done()
	for {
		if mon.stop.Load() {
			break // we deferred wg.Done
		}

		buf := mon.readProcFile("stat")
		t := time.Now()
		currCPU := parseCPUTimeStat(buf)
		if prevCPU != nil && currCPU != nil {
			mon.appendCPUMetrics(t, currCPU, prevCPU)
		}
		prevCPU = currCPU

		buf = mon.readProcFile("meminfo")
		mon.appendMemoryMetrics(time.Now(), buf)

		buf = mon.readProcFile("net/dev")
		mon.appendNetworkMetrics(time.Now(), buf)

		time.Sleep(loopTime)
	}
	slog.Debug("SystemMonitor: stopped")
}

func (mon *systemMonitor) readProcFile(name string) []byte {
	buf, err := os.ReadFile(mon.procRoot + "/" + name)
	if err != nil {
		slog.Warn("SystemMonitor: failed to read proc file", slog.String("name", name), slog.String("error", err.Error()))
		return nil
	}
	return buf
}

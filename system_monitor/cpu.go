package systemmonitor

import (
	"strconv"
	"strings"
	"time"

	"github.com/modelbench/autobench/report"
)

type cpuTimeStat struct {
	user    int
	system  int
	idle    int
	nice    int
	iowait  int
	irq     int
	softIrq int
	steal   int
	guest   int
}

func (ts *cpuTimeStat) totalCPUTime() int {
	return ts.user + ts.system + ts.nice + ts.iowait + ts.irq + ts.softIrq + ts.steal + ts.idle
}

func parseCPUTimeStat(buf []byte) *cpuTimeStat {
	for _, line := range strings.Split(string(buf), "\n") {
		// We only want the total CPU usage, ignore per-core metrics and other metrics
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 10 {
			return nil
		}
		user, _ := strconv.Atoi(parts[1])
		nice, _ := strconv.Atoi(parts[2])
		system, _ := strconv.Atoi(parts[3])
		idle, _ := strconv.Atoi(parts[4])
		iowait, _ := strconv.Atoi(parts[5])
		irq, _ := strconv.Atoi(parts[6])
		softIrq, _ := strconv.Atoi(parts[7])
		steal, _ := strconv.Atoi(parts[8])
		guest, _ := strconv.Atoi(parts[9])
		return &cpuTimeStat{
			user:    user,
			nice:    nice,
			system:  system,
			idle:    idle,
			iowait:  iowait,
			irq:     irq,
			softIrq: softIrq,
			steal:   steal,
			guest:   guest,
		}
	}
	return nil
}

func (mon *systemMonitor) appendCPUMetrics(now time.Time, curr *cpuTimeStat, prev *cpuTimeStat) {
	delta := float64(curr.totalCPUTime() - prev.totalCPUTime())
	if delta <= 0 {
		return
	}
	mon.sm.CpuUsageUser = append(mon.sm.CpuUsageUser, report.Measurement[float64]{
		Time:  now.Unix(),
		Value: float64(100*(curr.user-prev.user-(curr.guest-prev.guest))) / delta,
	})
	mon.sm.CpuUsageSystem = append(mon.sm.CpuUsageSystem, report.Measurement[float64]{
		Time:  now.Unix(),
		Value: float64(100*(curr.system-prev.system)) / delta,
	})
	mon.sm.CpuUsageIdle = append(mon.sm.CpuUsageIdle, report.Measurement[float64]{
		Time:  now.Unix(),
		Value: float64(100*(curr.idle-prev.idle)) / delta,
	})
	mon.sm.CpuUsageIowait = append(mon.sm.CpuUsageIowait, report.Measurement[float64]{
		Time:  now.Unix(),
		Value: float64(100*(curr.iowait-prev.iowait)) / delta,
	})
}

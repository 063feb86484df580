package systemmonitor

import (
	"strconv"
	"strings"
	"time"

	"github.com/modelbench/autobench/report"
)

func (mon *systemMonitor) appendMemoryMetrics(now time.Time, buf []byte) {
	total := 0
	free := 0
	buffers := 0
	cached := 0
	available := 0

	for _, line := range strings.Split(string(buf), "\n") {
		parts := strings.Fields(line)
		if len(parts) != 3 {
			continue
		}
		value, _ := strconv.Atoi(parts[1])
		bytes := value * 1024
		switch key := parts[0][:len(parts[0])-1]; key {
		case "MemTotal":
			total = bytes
		case "MemFree":
			free = bytes
		case "MemAvailable":
			available = bytes
		case "Buffers":
			buffers = bytes
		case "Cached":
			cached = bytes
		case "SReclaimable":
			cached += bytes
		}
	}
	if total == 0 {
		return
	}

	used := total - free - buffers - cached
	usedPct := 100 * (float64(used) / float64(total))

	mon.sm.MemTotalBytes = append(mon.sm.MemTotalBytes, report.Measurement[int]{
		Time:  now.Unix(),
		Value: total,
	})
	mon.sm.MemUsedBytes = append(mon.sm.MemUsedBytes, report.Measurement[int]{
		Time:  now.Unix(),
		Value: used,
	})
	mon.sm.MemUsedPct = append(mon.sm.MemUsedPct, report.Measurement[float64]{
		Time:  now.Unix(),
		Value: usedPct,
	})
	mon.sm.MemAvailBytes = append(mon.sm.MemAvailBytes, report.Measurement[int]{
		Time:  now.Unix(),
		Value: available,
	})
}

package monitor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats describes the server process. Open descriptors track socket
// leaks across connection cycles.
type ProcessStats struct {
	PID        int32         `json:"pid"`
	RSS        uint64        `json:"rss"`
	NumFDs     int32         `json:"numFds"`
	NumThreads int32         `json:"numThreads"`
	CPUPercent float64       `json:"cpuPercent"`
	Uptime     time.Duration `json:"uptime"`
}

// CurrentProcess samples the running process. Fields the platform cannot
// report are left zero.
func CurrentProcess(ctx context.Context) (ProcessStats, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return ProcessStats{}, fmt.Errorf("reading process %d: %w", os.Getpid(), err)
	}
	stats := ProcessStats{PID: p.Pid}

	if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
		stats.RSS = mem.RSS
	}
	if n, err := p.NumFDsWithContext(ctx); err == nil {
		stats.NumFDs = n
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.NumThreads = n
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = pct
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		stats.Uptime = time.Since(time.UnixMilli(ms)).Truncate(time.Second)
	}
	return stats, nil
}

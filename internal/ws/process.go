package ws

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats describes the running nsfeed process.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
	UptimeSec  int64   `json:"uptimeSec"`
}

// currentProcessStats samples the process. Fields gopsutil cannot read
// on this platform are left zero.
func currentProcessStats(now time.Time) ProcessStats {
	stats := ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
	}
	p, err := process.NewProcess(stats.PID)
	if err != nil {
		return stats
	}
	if mem, err := p.MemoryInfo(); err == nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		stats.Threads = n
	}
	if created, err := p.CreateTime(); err == nil {
		stats.UptimeSec = int64(now.Sub(time.UnixMilli(created)) / time.Second)
	}
	return stats
}

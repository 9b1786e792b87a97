// Package diagusage samples process resource usage for request diagnostics.
package diagusage

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is a point-in-time snapshot of process resource counters. CPU times
// and peak RSS are cumulative for the process, so per-request numbers are
// computed as the difference between two snapshots.
type Usage struct {
	UserCPU    time.Duration
	SystemCPU  time.Duration
	MaxRSSKB   int64  // peak resident set size, kilobytes
	RSS        uint64 // current resident set size, bytes
	Threads    int32
	Goroutines int
}

// Read returns the current usage. Counters that can't be read on the current
// platform are left zero.
func Read() Usage {
	u := readRusage()
	u.Goroutines = runtime.NumGoroutine()

	if p := self(); p != nil {
		procMtx.Lock()
		defer procMtx.Unlock()
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			u.RSS = mi.RSS
		}
		if n, err := p.NumThreads(); err == nil {
			u.Threads = n
		}
	}

	return u
}

// Delta is the growth from a baseline snapshot to a later one.
type Delta struct {
	UserCPU      time.Duration
	SystemCPU    time.Duration
	MaxRSSGrowMB float64
}

// Since computes the delta between baseline and now.
func Since(baseline, now Usage) Delta {
	return Delta{
		UserCPU:      now.UserCPU - baseline.UserCPU,
		SystemCPU:    now.SystemCPU - baseline.SystemCPU,
		MaxRSSGrowMB: float64(now.MaxRSSKB-baseline.MaxRSSKB) / 1000,
	}
}

var (
	selfOnce sync.Once
	selfProc *process.Process
	procMtx  sync.Mutex // process.Process caches fields without synchronization
)

func self() *process.Process {
	selfOnce.Do(func() {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err == nil {
			selfProc = p
		}
	})
	return selfProc
}

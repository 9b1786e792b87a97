//go:build unix

package diagusage

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

func readRusage() Usage {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return Usage{}
	}

	maxrss := int64(ru.Maxrss)
	if runtime.GOOS == "darwin" || runtime.GOOS == "ios" {
		maxrss /= 1024 // bytes on darwin, kilobytes elsewhere
	}

	return Usage{
		UserCPU:   time.Duration(ru.Utime.Nano()),
		SystemCPU: time.Duration(ru.Stime.Nano()),
		MaxRSSKB:  maxrss,
	}
}

package diag

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/maruel/panicparse/v2/stack"
	"github.com/petermattis/goid"
)

// DefaultSampleInterval is the default interval between stack samples.
const DefaultSampleInterval = 10 * time.Millisecond

const maxStackBufferBytes = 64 << 20

// SampleSet maps stack signatures to the number of times they were observed.
// A signature is the list of frames from the outermost to the innermost call,
// each rendered as "function (file:line)", joined by ";".
type SampleSet map[string]int

// Profiler samples the stack of a single goroutine over time.
type Profiler interface {
	// Start begins sampling the calling goroutine.
	Start()

	// Stop ends sampling, and waits for any in-progress sample to complete.
	// Stop is idempotent, and safe to call without Start.
	Stop()

	// OutputStats returns a copy of the samples collected so far.
	OutputStats() SampleSet

	// SampleCount returns the number of samples collected so far.
	SampleCount() int
}

type samplerState int

const (
	samplerIdle samplerState = iota
	samplerRunning
	samplerStopped
)

// Sampler is the default profiler. It periodically dumps the stacks of all
// goroutines, and records the stack of the goroutine which called Start.
type Sampler struct {
	interval time.Duration
	stopc    chan struct{}
	donec    chan struct{}

	mtx     sync.Mutex
	state   samplerState
	owner   int64
	samples SampleSet
	count   int
	misses  int
}

var _ Profiler = (*Sampler)(nil)

// NewSampler returns a sampler which takes a sample every interval. An
// interval of zero or less means DefaultSampleInterval.
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{
		interval: interval,
		stopc:    make(chan struct{}),
		donec:    make(chan struct{}),
		samples:  SampleSet{},
	}
}

// Start begins sampling the calling goroutine. Calling Start more than once,
// or after Stop, does nothing.
func (s *Sampler) Start() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state != samplerIdle {
		return
	}

	s.state = samplerRunning
	s.owner = goid.Get()
	go s.loop(s.owner)
}

// Stop ends sampling and waits for the sampling goroutine to exit.
func (s *Sampler) Stop() {
	s.mtx.Lock()
	prev := s.state
	s.state = samplerStopped
	s.mtx.Unlock()

	switch prev {
	case samplerIdle:
		close(s.donec)
	case samplerRunning:
		close(s.stopc)
	}

	<-s.donec
}

// OutputStats returns a copy of the samples collected so far.
func (s *Sampler) OutputStats() SampleSet {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	res := make(SampleSet, len(s.samples))
	for sig, n := range s.samples {
		res[sig] = n
	}
	return res
}

// SampleCount returns the number of samples collected so far.
func (s *Sampler) SampleCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.count
}

// Misses returns the number of ticks where the sampled goroutine wasn't
// found, e.g. because it had already exited.
func (s *Sampler) Misses() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.misses
}

func (s *Sampler) loop(owner int64) {
	defer close(s.donec)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var buf []byte
	for {
		select {
		case <-s.stopc:
			return
		case <-ticker.C:
		}

		sig, ok := sampleGoroutine(owner, &buf)

		s.mtx.Lock()
		if s.state == samplerRunning {
			if ok {
				s.samples[sig]++
				s.count++
			} else {
				s.misses++
			}
		}
		s.mtx.Unlock()
	}
}

// sampleGoroutine returns the stack signature of the goroutine with the given
// ID. It uses the provided buffer to avoid repeat allocations.
func sampleGoroutine(id int64, buf *[]byte) (string, bool) {
	block, ok := goroutineBlock(allStacks(buf), id)
	if !ok {
		return "", false
	}

	snap, _, err := stack.ScanSnapshot(bytes.NewReader(block), io.Discard, stack.DefaultOpts())
	if err != nil && err != io.EOF {
		return "", false
	}
	if snap == nil {
		return "", false
	}

	for _, g := range snap.Goroutines {
		if int64(g.ID) == id {
			return signature(g.Stack.Calls), true
		}
	}

	return "", false
}

// allStacks wraps runtime.Stack, growing the buffer until every goroutine
// fits, or the buffer reaches its maximum size.
func allStacks(buf *[]byte) []byte {
	if len(*buf) == 0 {
		*buf = make([]byte, 1<<16)
	}
	for {
		n := runtime.Stack(*buf, true)
		if n < len(*buf) || len(*buf) >= maxStackBufferBytes {
			return (*buf)[:n]
		}
		*buf = make([]byte, 2*len(*buf))
	}
}

// goroutineBlock extracts the trace of a single goroutine from a full dump.
func goroutineBlock(dump []byte, id int64) ([]byte, bool) {
	header := []byte(fmt.Sprintf("goroutine %d [", id))

	var start int
	for {
		i := bytes.Index(dump[start:], header)
		if i < 0 {
			return nil, false
		}
		i += start
		if i == 0 || dump[i-1] == '\n' {
			start = i
			break
		}
		start = i + len(header)
	}

	block := dump[start:]
	if end := bytes.Index(block, []byte("\n\n")); end >= 0 {
		block = block[:end+1]
	}
	return block, true
}

// signature renders calls, which are innermost first, as a folded stack with
// the outermost frame first.
func signature(calls []stack.Call) string {
	frames := make([]string, 0, len(calls))
	for i := len(calls) - 1; i >= 0; i-- {
		c := calls[i]
		frames = append(frames, fmt.Sprintf("%s (%s:%d)", c.Func.Complete, c.SrcName, c.Line))
	}
	return strings.Join(frames, ";")
}

package stats

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// RuntimeSampler reports heap, goroutine and GC pause figures. Frame decoding
// allocates per message, so GC pressure tracks the stream rate.
type RuntimeSampler struct {
	mu     sync.Mutex
	window gcPauseWindow
	read   func(*runtime.MemStats)
	count  func() int
}

func NewRuntimeSampler() *RuntimeSampler {
	return &RuntimeSampler{read: runtime.ReadMemStats, count: runtime.NumGoroutine}
}

// Line returns one stats line. The GC figure covers pauses since the
// previous call.
func (s *RuntimeSampler) Line() string {
	var mem runtime.MemStats
	s.read(&mem)

	s.mu.Lock()
	p99, pauses, truncated := s.window.snapshot(&mem)
	s.mu.Unlock()

	gc := "GC idle"
	if pauses > 0 {
		more := ""
		if truncated {
			more = "+"
		}
		gc = fmt.Sprintf("GC p99 %s (%d%s pauses)", p99.Round(time.Microsecond), pauses, more)
	}
	return fmt.Sprintf("Runtime: heap %s, %d goroutines, %s",
		humanize.IBytes(mem.HeapAlloc), s.count(), gc)
}

// gcPauseWindow tracks GC pauses between successive snapshots.
type gcPauseWindow struct {
	lastNumGC   uint32
	initialized bool
}

// snapshot returns the p99 pause for GCs since the last snapshot and how many
// pauses it saw. When more GCs ran than the runtime's pause ring holds, only
// the ring is considered and truncated is true. The first call only primes the
// window.
func (w *gcPauseWindow) snapshot(mem *runtime.MemStats) (p99 time.Duration, count int, truncated bool) {
	if mem == nil {
		return 0, 0, false
	}
	if !w.initialized {
		w.lastNumGC = mem.NumGC
		w.initialized = true
		return 0, 0, false
	}
	if mem.NumGC <= w.lastNumGC {
		return 0, 0, false
	}
	delta := mem.NumGC - w.lastNumGC
	w.lastNumGC = mem.NumGC

	ring := len(mem.PauseNs)
	needed := int(delta)
	if needed > ring {
		needed = ring
		truncated = true
	}

	pauses := make([]uint64, 0, needed)
	idx := int((mem.NumGC - 1) % uint32(ring))
	for i := 0; i < needed; i++ {
		if v := mem.PauseNs[idx]; v > 0 {
			pauses = append(pauses, v)
		}
		idx--
		if idx < 0 {
			idx = ring - 1
		}
	}
	if len(pauses) == 0 {
		return 0, 0, truncated
	}
	sort.Slice(pauses, func(i, j int) bool { return pauses[i] < pauses[j] })
	return time.Duration(pauses[int(float64(len(pauses)-1)*0.99)]), len(pauses), truncated
}

package stats

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// FrameMeter measures the local frame rate. Tick is called per frame from any
// goroutine; Sample closes the current window once it is at least interval
// long and publishes frames per second over it.
type FrameMeter struct {
	interval time.Duration
	count    atomic.Uint64
	rate     atomic.Uint64 // float64 bits

	mu          sync.Mutex
	windowStart time.Time
	now         func() time.Time
}

func NewFrameMeter(interval time.Duration) *FrameMeter {
	if interval <= 0 {
		interval = time.Second
	}
	m := &FrameMeter{interval: interval, now: time.Now}
	m.windowStart = m.now()
	return m
}

func (m *FrameMeter) Tick() {
	m.count.Add(1)
}

// Sample updates the published rate if the window has elapsed and reports
// whether it did.
func (m *FrameMeter) Sample() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	elapsed := now.Sub(m.windowStart)
	if elapsed < m.interval {
		return m.Rate(), false
	}
	frames := m.count.Swap(0)
	rate := float64(frames) / elapsed.Seconds()
	m.rate.Store(math.Float64bits(rate))
	m.windowStart = now
	return rate, true
}

// Rate returns the last published rate.
func (m *FrameMeter) Rate() float64 {
	return math.Float64frombits(m.rate.Load())
}

// Interval returns the sampling window.
func (m *FrameMeter) Interval() time.Duration {
	return m.interval
}

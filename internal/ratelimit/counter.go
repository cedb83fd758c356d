// Package ratelimit throttles repetitive log lines (publish failures, queue
// drops) while still counting every occurrence.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter tracks a running total and the last time a log was allowed.
// It is safe for concurrent use. The zero value never throttles.
type Counter struct {
	interval time.Duration
	now      func() time.Time
	lastLog  atomic.Int64
	total    atomic.Uint64
}

// NewCounter returns a Counter that allows one log per interval. A zero or
// negative interval allows every log.
func NewCounter(interval time.Duration) *Counter {
	return &Counter{interval: interval, now: time.Now}
}

// Inc counts one occurrence and reports the running total and whether the
// caller may log it now. The first occurrence always logs.
func (c *Counter) Inc() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	total := c.total.Add(1)
	if c.interval <= 0 {
		return total, true
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	ts := now().UnixNano()
	last := c.lastLog.Load()
	if last != 0 && ts-last < c.interval.Nanoseconds() {
		return total, false
	}
	return total, c.lastLog.CompareAndSwap(last, ts)
}

// Total returns the number of occurrences counted so far.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}

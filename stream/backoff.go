package stream

import "time"

type backoff struct {
	policy BackoffPolicy
	base   time.Duration
	cur    time.Duration
	max    time.Duration
}

func newBackoff(policy BackoffPolicy, base, max time.Duration) *backoff {
	if base <= 0 {
		base = DefaultReconnectDelay
	}
	if max < base {
		max = base
	}
	return &backoff{policy: policy, base: base, cur: base, max: max}
}

// Next returns the delay for the upcoming attempt and advances the window.
// The fixed policy always returns the base delay.
func (b *backoff) Next() time.Duration {
	if b.policy != BackoffExponential {
		return b.base
	}
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

// Reset restarts the window at the base delay after a successful open.
func (b *backoff) Reset() {
	b.cur = b.base
}

// Package stats tracks feed counters (frames, classifications per phase,
// errors, connection churn) plus inference latency percentiles for display in
// the dashboard and periodic headless output.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"phasefeed/phase"
	"phasefeed/stream"

	"github.com/dustin/go-humanize"
)

// Tracker tracks stream statistics
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-message increments don't fight over a mutex
	phaseCounts  sync.Map // string -> *atomic.Uint64
	statusCounts sync.Map // status kind -> *atomic.Uint64
	start        atomic.Int64
	frames       atomic.Uint64
	frameBytes   atomic.Uint64
	errors       atomic.Uint64
	connects     atomic.Uint64
	disconnects  atomic.Uint64
	connected    atomic.Bool
	inference    *LatencyTracker
	meter        *FrameMeter
}

// NewTracker creates a new stats tracker. frameInterval is the sampling
// window of the frame-rate meter.
func NewTracker(frameInterval time.Duration) *Tracker {
	t := &Tracker{
		inference: NewLatencyTracker(512),
		meter:     NewFrameMeter(frameInterval),
	}
	t.start.Store(time.Now().UnixNano())
	return t
}

// ObserveFrame counts one decoded frame of the given size.
func (t *Tracker) ObserveFrame(size int) {
	t.frames.Add(1)
	if size > 0 {
		t.frameBytes.Add(uint64(size))
	}
	t.meter.Tick()
}

// ObservePhase counts one classification and records its inference time.
func (t *Tracker) ObservePhase(ev phase.Event) {
	incrementCounter(&t.phaseCounts, ev.Phase)
	if ev.InferenceTimeMs > 0 && !ev.Cached {
		t.inference.Observe(time.Duration(ev.InferenceTimeMs * float64(time.Millisecond)))
	}
}

// ObserveConnection records an open (true) or close (false).
func (t *Tracker) ObserveConnection(connected bool) {
	t.connected.Store(connected)
	if connected {
		t.connects.Add(1)
	} else {
		t.disconnects.Add(1)
	}
}

// IncrementErrors counts one error reported by the stream client.
func (t *Tracker) IncrementErrors() {
	t.errors.Add(1)
}

// ObserveStatus counts one backend status message by kind.
func (t *Tracker) ObserveStatus(st stream.Status) {
	incrementCounter(&t.statusCounts, st.Kind.String())
}

// Listener returns a stream listener that feeds the tracker.
func (t *Tracker) Listener() stream.Listener {
	return stream.Callbacks{
		VideoUpdate:      func(frame []byte) { t.ObserveFrame(len(frame)) },
		PhaseUpdate:      func(ev phase.Event, _ []phase.Event) { t.ObservePhase(ev) },
		ConnectionChange: t.ObserveConnection,
		Error:            func(error) { t.IncrementErrors() },
		Status:           t.ObserveStatus,
	}
}

// GetPhaseCounts returns a copy of per-phase classification counts
func (t *Tracker) GetPhaseCounts() map[string]uint64 {
	return copyCounts(&t.phaseCounts)
}

// GetStatusCounts returns a copy of status message counts by kind
func (t *Tracker) GetStatusCounts() map[string]uint64 {
	return copyCounts(&t.statusCounts)
}

// Frames returns the number of frames received.
func (t *Tracker) Frames() uint64 { return t.frames.Load() }

// FrameBytes returns the total decoded frame bytes received.
func (t *Tracker) FrameBytes() uint64 { return t.frameBytes.Load() }

// Errors returns the number of errors reported.
func (t *Tracker) Errors() uint64 { return t.errors.Load() }

// Connects returns how many times the connection opened.
func (t *Tracker) Connects() uint64 { return t.connects.Load() }

// Disconnects returns how many times the connection closed.
func (t *Tracker) Disconnects() uint64 { return t.disconnects.Load() }

// FrameRate returns the frame rate measured over the last complete window.
func (t *Tracker) FrameRate() float64 { return t.meter.Rate() }

// Meter exposes the frame-rate meter for periodic sampling.
func (t *Tracker) Meter() *FrameMeter { return t.meter }

// Inference returns the inference latency percentiles.
func (t *Tracker) Inference() LatencySnapshot { return t.inference.Snapshot() }

// GetTotal returns the number of classifications across all phases
func (t *Tracker) GetTotal() uint64 {
	var total uint64
	t.phaseCounts.Range(func(_, value any) bool {
		total += value.(*atomic.Uint64).Load()
		return true
	})
	return total
}

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// Reset resets all counters
func (t *Tracker) Reset() {
	for _, m := range []*sync.Map{&t.phaseCounts, &t.statusCounts} {
		m.Range(func(key, _ any) bool {
			m.Delete(key)
			return true
		})
	}
	t.frames.Store(0)
	t.frameBytes.Store(0)
	t.errors.Store(0)
	t.connects.Store(0)
	t.disconnects.Store(0)
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	state := "disconnected"
	if t.connected.Load() {
		state = "connected"
	}
	lat := t.Inference()
	return []string{
		fmt.Sprintf("Stream: %s, uptime %s, connects=%d drops=%d errors=%s",
			state, t.GetUptime().Truncate(time.Second), t.Connects(), t.Disconnects(), humanize.Comma(int64(t.Errors()))),
		fmt.Sprintf("Frames: %s (%s) at %.1f fps",
			humanize.Comma(int64(t.Frames())), humanize.Bytes(t.FrameBytes()), t.FrameRate()),
		formatMapCounts(fmt.Sprintf("Phases (%s)", humanize.Comma(int64(t.GetTotal()))), &t.phaseCounts),
		fmt.Sprintf("Inference: p50=%s p99=%s (n=%d)", formatMillis(lat.P50), formatMillis(lat.P99), lat.N),
	}
}

func formatMillis(d time.Duration) string {
	return fmt.Sprintf("%.0fms", float64(d)/float64(time.Millisecond))
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func formatMapCounts(label string, counts *sync.Map) string {
	snapshot := copyCounts(counts)
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%s", k, humanize.Comma(int64(snapshot[k])))
	}
	if len(keys) == 0 {
		builder.WriteString("(none)")
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}

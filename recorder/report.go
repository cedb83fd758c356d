package recorder

import (
	"time"

	"phasefeed/phase"
)

// PhaseTotal aggregates one phase across a session.
type PhaseTotal struct {
	Phase    string
	Duration time.Duration // Time from each run's first event to the next run's first event
	Runs     int           // Consecutive same-phase runs
	Events   int
}

// Summary describes a recorded session.
type Summary struct {
	Events      int
	Span        time.Duration // First to last event
	Transitions int           // Phase changes between consecutive events
	Phases      []PhaseTotal  // In order of first appearance
}

// Summarize folds a session's records into per-phase totals. The last run
// ends at the last event, so its duration may be zero.
func Summarize(records []Record) Summary {
	sum := Summary{Events: len(records)}
	if len(records) == 0 {
		return sum
	}
	sum.Span = records[len(records)-1].ReceivedAt.Sub(records[0].ReceivedAt)

	events := make([]phase.Event, len(records))
	for i, rec := range records {
		events[i] = phase.Event{Phase: rec.Phase, Timestamp: rec.ReceivedAt}
	}
	segments := phase.Segments(events)
	sum.Transitions = len(segments) - 1

	index := make(map[string]int)
	for i, seg := range segments {
		start := records[seg.Start].ReceivedAt
		end := records[len(records)-1].ReceivedAt
		if i+1 < len(segments) {
			end = records[segments[i+1].Start].ReceivedAt
		}
		idx, ok := index[seg.Phase]
		if !ok {
			idx = len(sum.Phases)
			index[seg.Phase] = idx
			sum.Phases = append(sum.Phases, PhaseTotal{Phase: seg.Phase})
		}
		total := &sum.Phases[idx]
		if d := end.Sub(start); d > 0 {
			total.Duration += d
		}
		total.Runs++
		total.Events += seg.Len()
	}
	return sum
}

// Package phase defines the classification event carried through the feed
// pipeline plus the phase catalog and the pure derivations the dashboard draws
// from a history snapshot: display names, confidence series and run-length
// timeline segments.
package phase

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Event is one classification received from the backend. Events are treated
// as immutable once they enter the history buffer; Seq is assigned by the
// buffer at insertion time.
type Event struct {
	Seq             uint64    // Monotonic position in the history (1-based)
	Timestamp       time.Time // Local receive time
	Phase           string    // Classified phase label as sent by the backend
	Confidences     []float64 // Percent scores, one per catalog phase (length not enforced)
	InferenceTimeMs float64   // Model inference time reported by the backend
	ElapsedTimeSec  float64   // Seconds since the backend stream started
	Cached          bool      // Backend reused its previous prediction for this frame
}

// Clone returns a copy of the event that shares no memory with the receiver.
func (e Event) Clone() Event {
	out := e
	out.Confidences = slices.Clone(e.Confidences)
	if out.Confidences == nil {
		out.Confidences = []float64{}
	}
	return out
}

// ConfidenceAt returns the score at idx, or 0 when the backend sent fewer
// scores than the catalog has phases.
func (e Event) ConfidenceAt(idx int) float64 {
	if idx < 0 || idx >= len(e.Confidences) {
		return 0
	}
	return e.Confidences[idx]
}

// FormatElapsed renders seconds as MM:SS. Minutes are not wrapped at 60.
func FormatElapsed(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	minutes := int(seconds / 60)
	secs := int(math.Mod(seconds, 60))
	return fmt.Sprintf("%02d:%02d", minutes, secs)
}

// ConfidenceSeries projects the history onto the confidence of the phase at
// catalog index idx, oldest first. Missing scores read as 0.
func ConfidenceSeries(history []Event, idx int) []float64 {
	series := make([]float64, len(history))
	for i, ev := range history {
		series[i] = ev.ConfidenceAt(idx)
	}
	return series
}

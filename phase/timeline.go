package phase

// Segment is a run of consecutive history entries that share a phase.
// Start and End are inclusive indexes into the history snapshot.
type Segment struct {
	Phase string
	Start int
	End   int
}

// Len returns the number of entries the segment covers.
func (s Segment) Len() int {
	return s.End - s.Start + 1
}

// LeftPercent is the segment's offset as a share of a history of length total.
func (s Segment) LeftPercent(total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(s.Start) / float64(total) * 100
}

// WidthPercent is the segment's width as a share of a history of length total.
func (s Segment) WidthPercent(total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(s.Len()) / float64(total) * 100
}

// Segments run-length encodes history by phase, oldest first. A phase that
// reappears later produces a new segment.
func Segments(history []Event) []Segment {
	if len(history) == 0 {
		return nil
	}
	segments := make([]Segment, 0, 4)
	current := Segment{Phase: history[0].Phase, Start: 0, End: 0}
	for i := 1; i < len(history); i++ {
		if history[i].Phase == current.Phase {
			current.End = i
			continue
		}
		segments = append(segments, current)
		current = Segment{Phase: history[i].Phase, Start: i, End: i}
	}
	return append(segments, current)
}

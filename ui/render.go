package ui

import (
	"fmt"
	"math"
	"strings"

	"phasefeed/phase"
)

const (
	barFill    = '█'
	barEmpty   = '░'
	emptyColor = "#444444"
)

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// Bar renders a horizontal gauge width cells wide with tview color tags.
// percent is clamped to [0, 100].
func Bar(percent float64, width int, color string) string {
	if width <= 0 {
		return ""
	}
	filled := int(math.Round(clampPercent(percent) / 100 * float64(width)))
	var b strings.Builder
	if filled > 0 {
		b.WriteString("[" + color + "]")
		b.WriteString(strings.Repeat(string(barFill), filled))
	}
	if rest := width - filled; rest > 0 {
		b.WriteString("[" + emptyColor + "]")
		b.WriteString(strings.Repeat(string(barEmpty), rest))
	}
	b.WriteString("[-]")
	return b.String()
}

// ConfidenceRow is one labelled bar: "Display Name  ████░░  NN.N%".
func ConfidenceRow(name string, percent float64, labelWidth, barWidth int, color string) string {
	label := phase.DisplayName(name)
	if labelWidth > 0 && len(label) > labelWidth {
		label = label[:labelWidth]
	}
	return fmt.Sprintf("%-*s %s %5.1f%%", labelWidth, label, Bar(percent, barWidth, color), clampPercent(percent))
}

// Sparkline renders the last width values as block glyphs scaled to 0..100.
func Sparkline(values []float64, width int) string {
	if width <= 0 || len(values) == 0 {
		return ""
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}
	out := make([]rune, len(values))
	top := len(sparkRunes) - 1
	for i, v := range values {
		idx := int(math.Round(clampPercent(v) / 100 * float64(top)))
		out[i] = sparkRunes[idx]
	}
	return string(out)
}

// Timeline renders run-length segments of a history of length total into
// width cells. Cell boundaries are rounded cumulatively so the strip is
// always exactly width cells; very short runs may round away.
func Timeline(segments []phase.Segment, total, width int, colorOf func(string) string) string {
	if width <= 0 || total <= 0 || len(segments) == 0 {
		return ""
	}
	var b strings.Builder
	for _, seg := range segments {
		start := int(math.Round(seg.LeftPercent(total) / 100 * float64(width)))
		end := int(math.Round(float64(seg.End+1) / float64(total) * float64(width)))
		if end > width {
			end = width
		}
		if end <= start {
			continue
		}
		color := phase.UnknownColor
		if colorOf != nil {
			color = colorOf(seg.Phase)
		}
		b.WriteString("[" + color + "]")
		b.WriteString(strings.Repeat(string(barFill), end-start))
	}
	b.WriteString("[-]")
	return b.String()
}

func clampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// StripColorTags removes tview color tags such as [red] and [-].
func StripColorTags(text string) string {
	if !strings.Contains(text, "[") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	inTag := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch ch {
		case '[':
			inTag = true
		case ']':
			if inTag {
				inTag = false
			} else {
				b.WriteByte(ch)
			}
		default:
			if !inTag {
				b.WriteByte(ch)
			}
		}
	}
	return b.String()
}

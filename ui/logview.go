package ui

import (
	"bytes"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const lineWriterMaxBytes = 64 * 1024

// LogView is a bounded scroll view for the system log. It keeps a ring of
// lines and renders only the rows that fit on screen. It follows the tail
// until the user scrolls up.
// Concurrency: Append/Reset may be called from any goroutine; Draw and
// HandleScroll run on the UI goroutine.
type LogView struct {
	*tview.Box

	mu    sync.Mutex
	lines []string
	head  int
	count int
	max   int
	total uint64

	offset int
	follow bool

	renderRows []string
}

// NewLogView creates a view retaining at most max lines.
func NewLogView(title string, max int) *LogView {
	if max <= 0 {
		max = 1
	}
	v := &LogView{
		Box:    tview.NewBox(),
		lines:  make([]string, max),
		max:    max,
		follow: true,
	}
	styleBox(v.Box, title)
	return v
}

// Append adds a line, evicting the oldest when full.
func (v *LogView) Append(line string) {
	if v == nil {
		return
	}
	v.mu.Lock()
	if v.count < v.max {
		v.lines[(v.head+v.count)%v.max] = line
		v.count++
	} else {
		v.lines[v.head] = line
		v.head = (v.head + 1) % v.max
	}
	v.total++
	v.mu.Unlock()
}

// Reset replaces the content, keeping the newest max lines.
func (v *LogView) Reset(lines []string) {
	if v == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.lines)
	v.head, v.count, v.total, v.offset = 0, 0, 0, 0
	v.follow = true
	if len(lines) > v.max {
		lines = lines[len(lines)-v.max:]
	}
	for _, line := range lines {
		v.lines[v.count] = line
		v.count++
		v.total++
	}
}

// Lines returns the retained lines, oldest first.
func (v *LogView) Lines() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, v.count)
	for i := 0; i < v.count; i++ {
		out = append(out, v.lines[(v.head+i)%v.max])
	}
	return out
}

// Evicted reports how many lines were pushed out of the ring.
func (v *LogView) Evicted() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.total - uint64(v.count)
}

func (v *LogView) Draw(screen tcell.Screen) {
	v.Box.DrawForSubclass(screen, v)

	x, y, width, height := v.GetInnerRect()
	if width <= 0 || height <= 0 {
		return
	}
	v.mu.Lock()
	rows := v.visibleRowsLocked(height)
	v.mu.Unlock()

	for i, row := range rows {
		tview.Print(screen, " "+row, x, y+i, width, tview.AlignLeft, tcell.ColorWhite)
	}
}

// HandleScroll moves the viewport for arrow, page, home/end and j/k keys.
func (v *LogView) HandleScroll(event *tcell.EventKey) bool {
	if v == nil || event == nil {
		return false
	}
	_, _, _, height := v.GetInnerRect()
	if height < 1 {
		height = 1
	}
	page := max(height-1, 1)

	v.mu.Lock()
	defer v.mu.Unlock()

	maxOffset := max(v.count-height, 0)
	next := v.offset
	switch event.Key() {
	case tcell.KeyUp:
		next--
	case tcell.KeyDown:
		next++
	case tcell.KeyPgUp:
		next -= page
	case tcell.KeyPgDn:
		next += page
	case tcell.KeyHome:
		next = 0
	case tcell.KeyEnd:
		next = maxOffset
	case tcell.KeyRune:
		switch event.Rune() {
		case 'k':
			next--
		case 'j':
			next++
		default:
			return false
		}
	default:
		return false
	}
	next = min(max(next, 0), maxOffset)
	v.offset = next
	v.follow = next == maxOffset
	return true
}

func (v *LogView) visibleRowsLocked(height int) []string {
	maxOffset := max(v.count-height, 0)
	if v.follow {
		v.offset = maxOffset
	}
	v.offset = min(max(v.offset, 0), maxOffset)

	needed := min(height, v.count-v.offset)
	if cap(v.renderRows) < needed {
		v.renderRows = make([]string, needed)
	}
	v.renderRows = v.renderRows[:needed]
	for i := range needed {
		v.renderRows[i] = v.lines[(v.head+v.offset+i)%v.max]
	}
	if evicted := v.total - uint64(v.count); evicted > 0 && v.offset == 0 && needed > 0 {
		v.renderRows[0] = "[gray]... " + strconv.FormatUint(evicted, 10) + " earlier lines[-]"
	}
	return v.renderRows
}

// LineWriter splits written bytes into lines and hands each to sink. A
// partial line is held until its newline arrives, bounded to 64 KiB.
type LineWriter struct {
	sink func(string)

	mu           sync.Mutex
	buf          []byte
	droppedBytes uint64
	lastDropLog  time.Time
}

// NewLineWriter returns a writer feeding sink one line at a time.
func NewLineWriter(sink func(string)) *LineWriter {
	return &LineWriter{sink: sink}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	if w == nil || w.sink == nil {
		return len(p), nil
	}
	var logDrop bool
	var dropBytes, totalDropped uint64

	w.mu.Lock()
	w.buf = append(w.buf, p...)
	if excess := len(w.buf) - lineWriterMaxBytes; excess > 0 {
		w.buf = w.buf[excess:]
		w.droppedBytes += uint64(excess)
		dropBytes, totalDropped = uint64(excess), w.droppedBytes
		now := time.Now().UTC()
		if w.lastDropLog.IsZero() || now.Sub(w.lastDropLog) >= 30*time.Second {
			w.lastDropLog = now
			logDrop = true
		}
	}
	var lines []string
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx == -1 {
			break
		}
		lines = append(lines, strings.TrimRight(string(w.buf[:idx]), "\r"))
		w.buf = w.buf[idx+1:]
	}
	w.mu.Unlock()

	if logDrop {
		// Goes through the fanout, which may be this writer; the lock is released.
		log.Printf("UI: system pane dropped %d bytes (total %d) due to missing newline", dropBytes, totalDropped)
	}
	for _, line := range lines {
		w.sink(line)
	}
	return len(p), nil
}

package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"phasefeed/config"
	"phasefeed/phase"
	"phasefeed/stream"
	"phasefeed/ui"
)

const (
	ansiBarWidth      = 30
	ansiTimelineWidth = 60
	ansiMinRefresh    = 16 * time.Millisecond
	resetANSI         = "\x1b[0m"
)

// ansiConsole is a lightweight console renderer that repaints a fixed layout
// with ANSI escape codes. It is selected via ui.mode=ansi for terminals where
// tview is unwanted (serial consoles, tmux panes shared with other output).
type ansiConsole struct {
	catalog *phase.Catalog
	out     io.Writer
	refresh time.Duration
	color   bool
	clear   bool
	writer  *ui.LineWriter

	mu        sync.Mutex
	stats     []string
	system    ringPane
	connected bool
	state     stream.State
	current   phase.Event
	hasPhase  bool
	timeline  string
	server    string

	renderBuf bytes.Buffer
	snapSys   []string
	quit      chan struct{}
	stopOnce  sync.Once
}

type ringPane struct {
	lines []string
	idx   int
	count int
}

// Purpose: Construct the ANSI console and start its repaint loop.
// Key aspects: Clamps the refresh interval; refresh 0 disables repainting
// (useful in tests, which call render directly).
// Upstream: selectSurface.
// Downstream: ui.NewLineWriter, refreshLoop.
func newANSIConsole(uiCfg config.UIConfig, catalog *phase.Catalog, out io.Writer) *ansiConsole {
	if catalog == nil {
		catalog = phase.DefaultCatalog()
	}
	if out == nil {
		out = os.Stdout
	}
	refresh := time.Duration(uiCfg.RefreshMS) * time.Millisecond
	if refresh > 0 && refresh < ansiMinRefresh {
		log.Printf("UI: clamping refresh interval to %dms (requested %dms too low)", ansiMinRefresh/time.Millisecond, refresh/time.Millisecond)
		refresh = ansiMinRefresh
	}
	logLines := uiCfg.LogLines
	if logLines <= 0 {
		logLines = 1
	}
	c := &ansiConsole{
		catalog: catalog,
		out:     out,
		refresh: refresh,
		color:   uiCfg.Color,
		clear:   uiCfg.ClearScreen,
		system:  ringPane{lines: make([]string, logLines)},
		snapSys: make([]string, logLines),
		quit:    make(chan struct{}),
	}
	c.writer = ui.NewLineWriter(c.AppendSystem)
	if refresh > 0 {
		go c.refreshLoop()
	}
	return c
}

func (c *ansiConsole) Listener() stream.Listener {
	return stream.Callbacks{
		PhaseUpdate:      c.onPhase,
		ConnectionChange: c.onConnection,
		Status:           c.onStatus,
		StateChange:      c.onState,
	}
}

func (c *ansiConsole) onConnection(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

func (c *ansiConsole) onState(state stream.State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *ansiConsole) onPhase(ev phase.Event, history []phase.Event) {
	timeline := ui.Timeline(phase.Segments(history), len(history), ansiTimelineWidth, c.catalog.Color)
	c.mu.Lock()
	c.current = ev
	c.hasPhase = true
	c.timeline = timeline
	c.mu.Unlock()
}

func (c *ansiConsole) onStatus(st stream.Status) {
	var line string
	switch st.Kind {
	case stream.StatusHello, stream.StatusUpdate, stream.StatusCommandAck:
		source := "backend"
		if st.WebcamMode {
			source = "webcam"
		}
		line = fmt.Sprintf("Source: %s  paused=%v", source, st.Paused)
		if st.ModelInfo != "" {
			line += "  model=" + st.ModelInfo
		}
	case stream.StatusServerError:
		line = "[red]Server error: " + st.Message + "[-]"
	default:
		return
	}
	c.mu.Lock()
	c.server = line
	c.mu.Unlock()
}

func (c *ansiConsole) WaitReady() {}

func (c *ansiConsole) Done() <-chan struct{} { return c.quit }

func (c *ansiConsole) Stop() {
	c.stopOnce.Do(func() { close(c.quit) })
}

func (c *ansiConsole) SetStats(lines []string) {
	c.mu.Lock()
	c.stats = append(c.stats[:0], lines...)
	c.mu.Unlock()
}

func (c *ansiConsole) AppendSystem(line string) {
	c.mu.Lock()
	pane := &c.system
	pane.lines[pane.idx] = line
	pane.idx = (pane.idx + 1) % len(pane.lines)
	if pane.count < len(pane.lines) {
		pane.count++
	}
	c.mu.Unlock()
}

func (c *ansiConsole) SystemWriter() io.Writer { return c.writer }

// Purpose: Periodic repaint loop.
// Key aspects: Recovers panics, exits on Stop.
// Upstream: newANSIConsole.
// Downstream: c.render.
func (c *ansiConsole) refreshLoop() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "ANSI console panic: %v\n", r)
		}
	}()
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.render()
		case <-c.quit:
			return
		}
	}
}

// Purpose: Paint the current snapshot.
// Key aspects: Builds the frame under the lock, writes outside it.
// Upstream: refreshLoop.
// Downstream: frameLines, writePane, applyANSIMarkup.
func (c *ansiConsole) render() {
	c.mu.Lock()
	lines := c.frameLines()
	system := snapshotPane(&c.system, c.snapSys)
	c.renderBuf.Reset()
	if c.clear {
		c.renderBuf.WriteString("\x1b[2J\x1b[H")
	}
	for _, line := range lines {
		c.renderBuf.WriteString(applyANSIMarkup(line, c.color))
		c.renderBuf.WriteByte('\n')
	}
	writePane(&c.renderBuf, "---- System ----", system, c.color)
	out := append([]byte(nil), c.renderBuf.Bytes()...)
	c.mu.Unlock()

	_, _ = c.out.Write(out)
}

// frameLines lays out everything above the system pane. Caller holds mu.
func (c *ansiConsole) frameLines() []string {
	conn := "[red]disconnected[-]"
	if c.connected {
		conn = "[green]connected[-]"
	}
	lines := []string{fmt.Sprintf("Phase Feed  %s  (%s)", conn, c.state)}
	if c.server != "" {
		lines = append(lines, c.server)
	}
	lines = append(lines, "")
	if !c.hasPhase {
		lines = append(lines, "Waiting for classifications...")
	} else {
		name := c.current.Phase
		if resolved, ok := c.catalog.Resolve(name); ok {
			name = resolved
		}
		idx := c.catalog.Index(name)
		lines = append(lines, fmt.Sprintf("Phase: %s  %.1f%%  elapsed %s  inference %.1f ms",
			phase.DisplayName(name), c.current.ConfidenceAt(idx), phase.FormatElapsed(c.current.ElapsedTimeSec), c.current.InferenceTimeMs))
		for i := 0; i < c.catalog.Len(); i++ {
			lines = append(lines, ui.ConfidenceRow(phase.DisplayName(c.catalog.Name(i)), c.current.ConfidenceAt(i), 22, ansiBarWidth, c.catalog.ColorAt(i)))
		}
		if c.timeline != "" {
			lines = append(lines, "", c.timeline)
		}
	}
	lines = append(lines, "")
	return append(lines, c.stats...)
}

type stringByteWriter interface {
	WriteString(string) (int, error)
	WriteByte(byte) error
}

// Purpose: Write a titled pane to the output buffer.
// Key aspects: Emits header and each line with trailing newline.
// Upstream: render.
// Downstream: applyANSIMarkup.
func writePane(w stringByteWriter, title string, lines []string, color bool) {
	w.WriteString(title)
	w.WriteByte('\n')
	for _, line := range lines {
		if line != "" {
			w.WriteString(applyANSIMarkup(line, color))
		}
		w.WriteByte('\n')
	}
}

// Purpose: Snapshot a ring pane into a caller-provided buffer.
// Key aspects: Respects current count and ring order.
// Upstream: render.
// Downstream: None.
func snapshotPane(p *ringPane, buf []string) []string {
	if p == nil || len(p.lines) == 0 || p.count == 0 || len(buf) == 0 {
		return buf[:0]
	}
	start := p.idx - p.count
	if start < 0 {
		start += len(p.lines)
	}
	limit := p.count
	if limit > len(buf) {
		limit = len(buf)
	}
	for i := 0; i < limit; i++ {
		buf[i] = p.lines[(start+i)%len(p.lines)]
	}
	return buf[:limit]
}

var ansiNamedColors = map[string]string{
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
	"-":       resetANSI,
}

// Purpose: Translate tview color tags into ANSI escapes, or strip them.
// Key aspects: Named colors map to the 8-color palette, #RRGGBB to 24-bit
// color; unknown bracketed text is left alone. A reset is appended whenever a
// tag was translated.
// Upstream: render, writePane.
// Downstream: ui.StripColorTags.
func applyANSIMarkup(line string, enableColor bool) string {
	if line == "" || !strings.Contains(line, "[") {
		return line
	}
	if !enableColor {
		return ui.StripColorTags(line)
	}
	var b strings.Builder
	b.Grow(len(line) + 16)
	translated := false
	for i := 0; i < len(line); {
		if line[i] == '[' {
			if end := strings.IndexByte(line[i:], ']'); end > 0 && end <= 8 {
				if code, ok := ansiCode(line[i+1 : i+end]); ok {
					b.WriteString(code)
					translated = true
					i += end + 1
					continue
				}
			}
		}
		b.WriteByte(line[i])
		i++
	}
	if translated {
		b.WriteString(resetANSI)
	}
	return b.String()
}

func ansiCode(tag string) (string, bool) {
	if code, ok := ansiNamedColors[tag]; ok {
		return code, true
	}
	if len(tag) != 7 || tag[0] != '#' {
		return "", false
	}
	v, err := strconv.ParseUint(tag[1:], 16, 32)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("\x1b[38;2;%d;%d;%dm", v>>16&0xff, v>>8&0xff, v&0xff), true
}

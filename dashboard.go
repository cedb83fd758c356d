package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"phasefeed/config"
	"phasefeed/phase"
	"phasefeed/stream"
	"phasefeed/ui"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/zeebo/xxh3"
)

const (
	systemPaneMaxLines = 500
	defaultBarWidth    = 30
	defaultStripWidth  = 60
	commandTimeout     = 3 * time.Second
)

// commander is the part of the stream client the key bindings drive.
type commander interface {
	Connect()
	Disconnect()
	Send(ctx context.Context, cmd stream.Command) error
	ReconnectAttempts() int
}

// dashboardState is written by the stream listener and read by the render
// closures; both sides hold dashboard.mu.
type dashboardState struct {
	connected   bool
	state       stream.State
	attempts    int
	maxAttempts int
	fps         float64

	current  phase.Event
	hasPhase bool
	history  []phase.Event

	frames     uint64
	repeats    uint64
	frameBytes int
	frameType  string
	digest     uint64

	server      stream.Status
	hasServer   bool
	serverError string
	errorAt     time.Time
	lastAck     stream.Command
}

// dashboard renders the phase monitor when a compatible terminal is available:
// connection badge, current phase, frame info, per-phase confidence bars, the
// current phase's confidence history, the phase timeline, backend status,
// counters and the system log.
type dashboard struct {
	app       *tview.Application
	scheduler *ui.FrameScheduler
	catalog   *phase.Catalog

	header     *tview.TextView
	phaseView  *tview.TextView
	frameView  *tview.TextView
	serverView *tview.TextView
	barsView   *tview.TextView
	seriesView *tview.TextView
	timeline   *tview.TextView
	statsView  *tview.TextView
	systemView *ui.LogView

	mu     sync.Mutex
	st     dashboardState
	client commander

	ready    chan struct{}
	done     chan struct{}
	quitOnce sync.Once
	stopOnce sync.Once
}

// Purpose: Build the tview dashboard and start its event loop.
// Key aspects: Rendering is coalesced by the frame scheduler at cfg.TargetFPS.
// Upstream: main UI selection.
// Downstream: tview.Application.Run.
func newDashboard(cfg config.UIConfig, catalog *phase.Catalog, maxAttempts int) *dashboard {
	app := tview.NewApplication().EnableMouse(false)
	d := buildDashboard(app, cfg, catalog, maxAttempts)

	var once sync.Once
	app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		once.Do(func() { close(d.ready) })
		return false
	})
	d.installKeybindings()
	d.scheduler.Start()

	go func() {
		if err := app.Run(); err != nil {
			log.Printf("UI: tview error: %v", err)
		}
		d.quit()
	}()
	return d
}

// buildDashboard lays out the panes. A nil app yields a dashboard whose
// updates render inline, without a terminal.
func buildDashboard(app *tview.Application, cfg config.UIConfig, catalog *phase.Catalog, maxAttempts int) *dashboard {
	if catalog == nil {
		catalog = phase.DefaultCatalog()
	}
	d := &dashboard{
		app:        app,
		scheduler:  ui.NewFrameScheduler(app, cfg.TargetFPS, 100*time.Millisecond, nil),
		catalog:    catalog,
		header:     tview.NewTextView().SetDynamicColors(true).SetWrap(false),
		phaseView:  ui.NewBoxedTextView("Phase"),
		frameView:  ui.NewBoxedTextView("Video"),
		serverView: ui.NewBoxedTextView("Backend"),
		barsView:   ui.NewBoxedTextView("Confidence"),
		seriesView: ui.NewBoxedTextView("Confidence History"),
		timeline:   ui.NewBoxedTextView("Timeline"),
		statsView:  ui.NewBoxedTextView("Stats"),
		systemView: ui.NewLogView("System", systemPaneMaxLines),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	d.st.maxAttempts = maxAttempts
	d.st.state = stream.StateDisconnected

	footer := tview.NewTextView().SetDynamicColors(true).SetText(
		ui.AccentText("c") + " Connect  " + ui.AccentText("d") + " Disconnect  " +
			ui.AccentText("p") + "/" + ui.AccentText("r") + " Pause/Resume  " +
			ui.AccentText("w") + "/" + ui.AccentText("b") + " Webcam/Backend  " +
			ui.AccentText("q") + " Quit",
	)
	top := tview.NewFlex().
		AddItem(d.phaseView, 0, 2, false).
		AddItem(d.frameView, 0, 1, false).
		AddItem(d.serverView, 0, 1, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.header, 1, 0, false).
		AddItem(top, 5, 0, false).
		AddItem(d.barsView, catalog.Len()+2, 0, false).
		AddItem(d.seriesView, 3, 0, false).
		AddItem(d.timeline, 3, 0, false).
		AddItem(d.statsView, 6, 0, false).
		AddItem(d.systemView, 0, 1, true).
		AddItem(footer, 1, 0, false)
	if app != nil {
		app.SetRoot(root, true)
	}

	d.renderAll()
	return d
}

// Bind attaches the client the key bindings control.
func (d *dashboard) Bind(c commander) {
	d.mu.Lock()
	d.client = c
	d.mu.Unlock()
}

func (d *dashboard) installKeybindings() {
	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC {
			d.quit()
			return nil
		}
		if event.Key() == tcell.KeyRune && d.handleKey(event.Rune()) {
			return nil
		}
		if d.systemView.HandleScroll(event) {
			return nil
		}
		return event
	})
}

// handleKey runs the action bound to r and reports whether one exists.
func (d *dashboard) handleKey(r rune) bool {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	switch r {
	case 'q', 'Q':
		d.quit()
		return true
	case 'c':
		if client != nil {
			client.Connect()
		}
		return true
	case 'd':
		if client != nil {
			client.Disconnect()
		}
		return true
	}
	cmd, ok := keyCommands[r]
	if !ok {
		return false
	}
	if client != nil {
		go d.send(client, cmd)
	}
	return true
}

var keyCommands = map[rune]stream.Command{
	'p': stream.CommandPause,
	'r': stream.CommandResume,
	'w': stream.CommandSwitchToWebcam,
	'b': stream.CommandSwitchToBackend,
}

func (d *dashboard) send(client commander, cmd stream.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := client.Send(ctx, cmd); err != nil {
		log.Printf("UI: command %s failed: %v", cmd, err)
		return
	}
	log.Printf("UI: sent %s", cmd)
}

func (d *dashboard) Listener() stream.Listener { return d }

func (d *dashboard) OnVideoUpdate(frame []byte) {
	sum := xxh3.Hash(frame)
	d.mu.Lock()
	d.st.frames++
	if d.st.frames > 1 && sum == d.st.digest && len(frame) == d.st.frameBytes {
		d.st.repeats++
		d.mu.Unlock()
		return
	}
	d.st.digest = sum
	d.st.frameBytes = len(frame)
	d.st.frameType = http.DetectContentType(frame)
	d.mu.Unlock()
	d.scheduler.Schedule("frame", d.renderFrame)
}

func (d *dashboard) OnPhaseUpdate(ev phase.Event, history []phase.Event) {
	d.mu.Lock()
	d.st.current = ev
	d.st.hasPhase = true
	d.st.history = history
	d.mu.Unlock()
	d.scheduler.Schedule("phase", d.renderPhase)
	d.scheduler.Schedule("bars", d.renderBars)
	d.scheduler.Schedule("series", d.renderSeries)
	d.scheduler.Schedule("timeline", d.renderTimeline)
}

func (d *dashboard) OnConnectionChange(connected bool) {
	d.mu.Lock()
	d.st.connected = connected
	d.mu.Unlock()
	d.scheduler.Schedule("header", d.renderHeader)
}

// OnError is a no-op; the stream client logs its own failures, which reach
// the system pane through the log fanout.
func (d *dashboard) OnError(error) {}

func (d *dashboard) OnStatus(st stream.Status) {
	d.mu.Lock()
	switch st.Kind {
	case stream.StatusServerError:
		d.st.serverError = st.Message
		d.st.errorAt = time.Now()
	case stream.StatusCommandAck:
		d.st.lastAck = st.Command
		d.st.server.Paused = st.Paused
		d.st.server.WebcamMode = st.WebcamMode
	case stream.StatusHello:
		d.st.serverError = ""
		d.st.server.FPS = st.FPS
		d.st.server.WebcamMode = st.WebcamMode
		d.st.hasServer = true
	default:
		d.st.server = st
		d.st.hasServer = true
	}
	d.mu.Unlock()
	d.scheduler.Schedule("server", d.renderServer)
}

func (d *dashboard) OnStateChange(state stream.State) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	attempts := 0
	if client != nil {
		attempts = client.ReconnectAttempts()
	}
	d.mu.Lock()
	d.st.state = state
	d.st.attempts = attempts
	d.mu.Unlock()
	d.scheduler.Schedule("header", d.renderHeader)
}

// SetFrameRate publishes the locally measured frame rate.
func (d *dashboard) SetFrameRate(fps float64) {
	d.mu.Lock()
	d.st.fps = fps
	d.mu.Unlock()
	d.scheduler.Schedule("header", d.renderHeader)
}

func (d *dashboard) SetStats(lines []string) {
	text := strings.Join(lines, "\n")
	d.scheduler.Schedule("stats", func() { d.statsView.SetText(text) })
}

func (d *dashboard) AppendSystem(line string) {
	d.systemView.Append(tview.Escape(line))
	d.scheduler.Schedule("system", func() {})
}

func (d *dashboard) SystemWriter() io.Writer {
	return ui.NewLineWriter(d.AppendSystem)
}

func (d *dashboard) WaitReady() {
	select {
	case <-d.ready:
	case <-d.done:
	}
}

func (d *dashboard) Done() <-chan struct{} { return d.done }

func (d *dashboard) quit() {
	d.quitOnce.Do(func() { close(d.done) })
}

func (d *dashboard) Stop() {
	d.stopOnce.Do(func() {
		d.quit()
		d.scheduler.Stop()
		if d.app != nil {
			d.app.Stop()
		}
	})
}

func (d *dashboard) snapshot() dashboardState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st
}

func (d *dashboard) renderAll() {
	d.renderHeader()
	d.renderPhase()
	d.renderFrame()
	d.renderServer()
	d.renderBars()
	d.renderSeries()
	d.renderTimeline()
}

func (d *dashboard) renderHeader() {
	st := d.snapshot()
	d.header.SetText(headerText(st))
}

func headerText(st dashboardState) string {
	badge := "[red]● Disconnected[-]"
	if st.connected {
		badge = "[green]● Connected[-]"
	}
	line := fmt.Sprintf(" %s  state=%s", badge, st.state)
	if st.state == stream.StateReconnecting || st.state == stream.StateFailed {
		line += fmt.Sprintf(" (attempt %d/%d)", st.attempts, st.maxAttempts)
	}
	return line + fmt.Sprintf("  %.0f FPS", st.fps)
}

func (d *dashboard) renderPhase() {
	st := d.snapshot()
	d.phaseView.SetText(phaseText(st, d.catalog))
}

func phaseText(st dashboardState, catalog *phase.Catalog) string {
	if !st.hasPhase {
		return "Current Phase: [gray]waiting for classifications[-]"
	}
	ev := st.current
	name := ev.Phase
	if resolved, ok := catalog.Resolve(name); ok {
		name = resolved
	}
	cached := ""
	if ev.Cached {
		cached = "  [gray](cached)[-]"
	}
	return fmt.Sprintf("Current Phase: [%s]%s[-]\nInference: %.0fms%s\nElapsed: %s  #%d",
		catalog.Color(name), tview.Escape(phase.DisplayName(ev.Phase)), ev.InferenceTimeMs, cached,
		phase.FormatElapsed(ev.ElapsedTimeSec), ev.Seq)
}

func (d *dashboard) renderFrame() {
	st := d.snapshot()
	d.frameView.SetText(frameText(st))
}

func frameText(st dashboardState) string {
	if st.frames == 0 {
		return "[gray]no frames yet[-]"
	}
	return fmt.Sprintf("Frames: %s (repeats %s)\nLast: %s %s\nxxh3: %016x",
		humanize.Comma(int64(st.frames)), humanize.Comma(int64(st.repeats)),
		humanize.Bytes(uint64(st.frameBytes)), st.frameType, st.digest)
}

func (d *dashboard) renderServer() {
	st := d.snapshot()
	d.serverView.SetText(serverText(st))
}

func serverText(st dashboardState) string {
	var lines []string
	if st.hasServer {
		model := st.server.ModelInfo
		if model == "" {
			model = "unknown model"
		}
		lines = append(lines, tview.Escape(model+" "+st.server.Resolution))
		source := "backend"
		if st.server.WebcamMode {
			source = "webcam"
		}
		paused := ""
		if st.server.Paused {
			paused = " [yellow]paused[-]"
		}
		avg := "avg=unknown"
		if st.server.AvgInferenceMs > 0 {
			avg = fmt.Sprintf("avg=%.0fms", st.server.AvgInferenceMs)
		}
		lines = append(lines, fmt.Sprintf("src=%s %s%s", source, avg, paused))
	} else {
		lines = append(lines, "[gray]no status yet[-]")
	}
	if st.serverError != "" {
		lines = append(lines, fmt.Sprintf("[red]%s %s[-]", st.errorAt.Format("15:04:05"), tview.Escape(st.serverError)))
	} else if st.lastAck != "" {
		lines = append(lines, "ack: "+tview.Escape(string(st.lastAck)))
	}
	return strings.Join(lines, "\n")
}

func (d *dashboard) renderBars() {
	st := d.snapshot()
	_, _, width, _ := d.barsView.GetInnerRect()
	d.barsView.SetText(barsText(st, d.catalog, width))
}

func barsText(st dashboardState, catalog *phase.Catalog, width int) string {
	const labelWidth = 22
	barWidth := width - labelWidth - 10
	if barWidth <= 0 {
		barWidth = defaultBarWidth
	}
	rows := make([]string, 0, catalog.Len())
	for i, def := range catalog.Definitions() {
		rows = append(rows, ui.ConfidenceRow(def.Name, st.current.ConfidenceAt(i), labelWidth, barWidth, def.Color))
	}
	return strings.Join(rows, "\n")
}

func (d *dashboard) renderSeries() {
	st := d.snapshot()
	title, text := seriesText(st, d.catalog, stripWidth(d.seriesView))
	d.seriesView.SetTitle(ui.AccentText(title))
	d.seriesView.SetText(text)
}

func seriesText(st dashboardState, catalog *phase.Catalog, width int) (string, string) {
	if !st.hasPhase {
		return "Confidence History", ""
	}
	name, ok := catalog.Resolve(st.current.Phase)
	if !ok {
		return tview.Escape(phase.DisplayName(st.current.Phase)) + " Confidence", "[gray]phase not in catalog[-]"
	}
	idx := catalog.Index(name)
	color := catalog.ColorAt(idx)
	if idx < 0 {
		color = phase.DefaultChartColor
	}
	series := phase.ConfidenceSeries(st.history, idx)
	return phase.DisplayName(name) + " Confidence", "[" + color + "]" + ui.Sparkline(series, width) + "[-]"
}

func (d *dashboard) renderTimeline() {
	st := d.snapshot()
	d.timeline.SetText(ui.Timeline(phase.Segments(st.history), len(st.history), stripWidth(d.timeline), d.timelineColor))
}

func (d *dashboard) timelineColor(label string) string {
	if name, ok := d.catalog.Resolve(label); ok {
		return d.catalog.Color(name)
	}
	return phase.UnknownColor
}

func stripWidth(tv *tview.TextView) int {
	_, _, width, _ := tv.GetInnerRect()
	if width <= 0 {
		return defaultStripWidth
	}
	return width
}

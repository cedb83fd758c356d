package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"phasefeed/config"
	"phasefeed/phase"
	"phasefeed/stream"

	"github.com/rivo/tview"
)

type fakeCommander struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	sent        chan stream.Command
	attempts    int
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{sent: make(chan stream.Command, 4)}
}

func (f *fakeCommander) Connect() {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
}

func (f *fakeCommander) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeCommander) Send(_ context.Context, cmd stream.Command) error {
	f.sent <- cmd
	return nil
}

func (f *fakeCommander) ReconnectAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func newTestDashboard() *dashboard {
	return buildDashboard(nil, config.UIConfig{TargetFPS: 30}, phase.DefaultCatalog(), 5)
}

func markingEvent(seq uint64) phase.Event {
	return phase.Event{
		Seq:             seq,
		Phase:           "marking",
		Confidences:     []float64{1, 2, 3, 90, 2, 2},
		InferenceTimeMs: 25,
		ElapsedTimeSec:  75,
	}
}

func TestDashboardRendersPhaseUpdate(t *testing.T) {
	d := newTestDashboard()
	d.OnConnectionChange(true)
	d.OnStateChange(stream.StateConnected)
	ev := markingEvent(1)
	d.OnPhaseUpdate(ev, []phase.Event{ev})
	d.scheduler.Flush()

	if got := d.header.GetText(true); !strings.Contains(got, "Connected") || !strings.Contains(got, "state=connected") {
		t.Fatalf("unexpected header %q", got)
	}
	got := d.phaseView.GetText(true)
	for _, want := range []string{"Current Phase: Marking", "Inference: 25ms", "Elapsed: 01:15"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in phase pane, got %q", want, got)
		}
	}
	bars := d.barsView.GetText(true)
	if !strings.Contains(bars, "Marking") || !strings.Contains(bars, "90.0%") {
		t.Fatalf("unexpected bars %q", bars)
	}
	if lines := strings.Split(strings.TrimRight(bars, "\n"), "\n"); len(lines) != 6 {
		t.Fatalf("expected one bar per catalog phase, got %d", len(lines))
	}
	if d.timeline.GetText(true) == "" {
		t.Fatalf("expected timeline to render")
	}
}

func TestDashboardHeaderShowsRetryBudget(t *testing.T) {
	st := dashboardState{state: stream.StateReconnecting, attempts: 2, maxAttempts: 5, fps: 29.6}
	got := headerText(st)
	if !strings.Contains(got, "Disconnected") || !strings.Contains(got, "(attempt 2/5)") || !strings.Contains(got, "30 FPS") {
		t.Fatalf("unexpected header %q", got)
	}
	st.state = stream.StateConnected
	st.connected = true
	if strings.Contains(headerText(st), "attempt") {
		t.Fatalf("attempt counter shown while connected")
	}
}

func TestDashboardCountsRepeatedFrames(t *testing.T) {
	d := newTestDashboard()
	jpeg := []byte("\xFF\xD8\xFF\xE0 frame one")
	d.OnVideoUpdate(jpeg)
	d.OnVideoUpdate(append([]byte(nil), jpeg...))
	d.OnVideoUpdate([]byte("\xFF\xD8\xFF\xE0 frame two"))
	d.scheduler.Flush()

	st := d.snapshot()
	if st.frames != 3 || st.repeats != 1 {
		t.Fatalf("frames=%d repeats=%d", st.frames, st.repeats)
	}
	got := d.frameView.GetText(true)
	if !strings.Contains(got, "image/jpeg") || !strings.Contains(got, "repeats 1") {
		t.Fatalf("unexpected frame pane %q", got)
	}
}

func TestDashboardSeriesFollowsCurrentPhase(t *testing.T) {
	cat := phase.DefaultCatalog()
	history := []phase.Event{markingEvent(1), markingEvent(2)}
	st := dashboardState{current: history[1], hasPhase: true, history: history}
	title, text := seriesText(st, cat, 10)
	if title != "Marking Confidence" {
		t.Fatalf("unexpected title %q", title)
	}
	if !strings.HasPrefix(text, "[#AB47BC]") || !strings.Contains(text, "▇▇") {
		t.Fatalf("unexpected series %q", text)
	}

	st.current = phase.Event{Phase: "cleanup"}
	title, text = seriesText(st, cat, 10)
	if title != "Cleanup Confidence" || !strings.Contains(text, "not in catalog") {
		t.Fatalf("unexpected unknown-phase series %q %q", title, text)
	}
}

func TestDashboardServerStatus(t *testing.T) {
	d := newTestDashboard()
	d.OnStatus(stream.Status{Kind: stream.StatusUpdate, ModelInfo: "resnet50", Resolution: "640x480", AvgInferenceMs: 31})
	d.OnStatus(stream.Status{Kind: stream.StatusCommandAck, Command: stream.CommandPause, Paused: true})
	d.scheduler.Flush()

	got := d.serverView.GetText(true)
	for _, want := range []string{"resnet50 640x480", "avg=31ms", "paused", "ack: pause"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in server pane, got %q", want, got)
		}
	}

	d.OnStatus(stream.Status{Kind: stream.StatusServerError, Message: "camera unavailable"})
	d.scheduler.Flush()
	if got := d.serverView.GetText(true); !strings.Contains(got, "camera unavailable") {
		t.Fatalf("expected server error, got %q", got)
	}
}

func TestDashboardEscapesBackendText(t *testing.T) {
	st := dashboardState{
		hasServer:   true,
		server:      stream.Status{Kind: stream.StatusUpdate, ModelInfo: "[yellow]resnet", Resolution: "640x480"},
		serverError: "[error] camera",
		errorAt:     time.Unix(1700000000, 0),
	}
	text := serverText(st)
	if strings.Contains(text, "[error]") || !strings.Contains(text, tview.Escape("[error]")) {
		t.Fatalf("backend error not escaped: %q", text)
	}
	if strings.Contains(text, "[yellow]resnet") || !strings.Contains(text, "avg=unknown") {
		t.Fatalf("unexpected server text %q", text)
	}

	cat := phase.DefaultCatalog()
	st = dashboardState{current: phase.Event{Phase: "[red]"}, hasPhase: true}
	if text := phaseText(st, cat); strings.Contains(text, "[Red]") || strings.Contains(text, "[red]") {
		t.Fatalf("unknown label not escaped: %q", text)
	}
	title, _ := seriesText(st, cat, 10)
	if strings.Contains(title, "[red]") || strings.Contains(title, "[Red]") {
		t.Fatalf("series title not escaped: %q", title)
	}

	d := newTestDashboard()
	d.OnStatus(stream.Status{Kind: stream.StatusServerError, Message: "[error] camera"})
	d.scheduler.Flush()
	if got := d.serverView.GetText(true); !strings.Contains(got, "camera") {
		t.Fatalf("expected server error text, got %q", got)
	}
}

func TestDashboardKeyBindings(t *testing.T) {
	d := newTestDashboard()
	c := newFakeCommander()
	d.Bind(c)

	if !d.handleKey('c') || !d.handleKey('d') {
		t.Fatalf("expected connect/disconnect keys to be handled")
	}
	c.mu.Lock()
	connects, disconnects := c.connects, c.disconnects
	c.mu.Unlock()
	if connects != 1 || disconnects != 1 {
		t.Fatalf("connects=%d disconnects=%d", connects, disconnects)
	}

	if !d.handleKey('w') {
		t.Fatalf("expected webcam key to be handled")
	}
	select {
	case cmd := <-c.sent:
		if cmd != stream.CommandSwitchToWebcam {
			t.Fatalf("unexpected command %q", cmd)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for command")
	}

	if d.handleKey('x') {
		t.Fatalf("unbound key reported as handled")
	}
	d.handleKey('q')
	select {
	case <-d.Done():
	default:
		t.Fatalf("expected quit to close Done")
	}
	d.Stop()
	d.Stop()
}

func TestDashboardSystemWriter(t *testing.T) {
	d := newTestDashboard()
	w := d.SystemWriter()
	w.Write([]byte("2026/04/02 09:00:00 Stream: connected\n2026/04/02 09:00:01 Recorder: "))
	lines := d.systemView.Lines()
	if len(lines) != 1 || !strings.HasSuffix(lines[0], "Stream: connected") {
		t.Fatalf("unexpected system lines %q", lines)
	}
}

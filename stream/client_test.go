package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"phasefeed/phase"

	"github.com/gorilla/websocket"
)

const testTimeout = 2 * time.Second

type fakeConn struct {
	incoming  chan []byte
	drop      chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		drop:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.incoming:
		return websocket.TextMessage, data, nil
	case err := <-f.drop:
		return 0, nil, err
	case <-f.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return websocket.ErrCloseSent
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

type dialStep func() (Conn, error)

var errRefused = errors.New("connection refused")

func failDial() (Conn, error) { return nil, errRefused }

func succeed(conn *fakeConn) dialStep {
	return func() (Conn, error) { return conn, nil }
}

// fakeDialer plays script in order and then repeats fallback.
type fakeDialer struct {
	mu       sync.Mutex
	script   []dialStep
	fallback dialStep
	dials    atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	step := d.fallback
	if len(d.script) > 0 {
		step = d.script[0]
		d.script = d.script[1:]
	}
	d.mu.Unlock()
	d.dials.Add(1)
	if step == nil {
		return nil, errRefused
	}
	return step()
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

func (t *fakeTimer) fire() {
	if !t.stopped.Load() {
		t.fn()
	}
}

type fakeTimers struct {
	scheduled chan *fakeTimer
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) Timer {
	t := &fakeTimer{delay: d, fn: fn}
	f.scheduled <- t
	return t
}

type phaseCall struct {
	ev      phase.Event
	history []phase.Event
}

type recordingListener struct {
	videos   chan []byte
	phases   chan phaseCall
	conns    chan bool
	errs     chan error
	statuses chan Status
	states   chan State
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		videos:   make(chan []byte, 64),
		phases:   make(chan phaseCall, 64),
		conns:    make(chan bool, 64),
		errs:     make(chan error, 64),
		statuses: make(chan Status, 64),
		states:   make(chan State, 64),
	}
}

func (r *recordingListener) OnVideoUpdate(frame []byte) { r.videos <- frame }
func (r *recordingListener) OnPhaseUpdate(ev phase.Event, history []phase.Event) {
	r.phases <- phaseCall{ev: ev, history: history}
}
func (r *recordingListener) OnConnectionChange(connected bool) { r.conns <- connected }
func (r *recordingListener) OnError(err error)                 { r.errs <- err }
func (r *recordingListener) OnStatus(status Status)            { r.statuses <- status }
func (r *recordingListener) OnStateChange(state State)         { r.states <- state }

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://backend.test/ws/stream/"
	return cfg
}

func newTestClient(t *testing.T, cfg Config, d Dialer) (*Client, *recordingListener, *fakeTimers) {
	t.Helper()
	l := newRecordingListener()
	timers := &fakeTimers{scheduled: make(chan *fakeTimer, 64)}
	c := NewClient(cfg, l, WithDialer(d), WithAfterFunc(timers.afterFunc))
	t.Cleanup(c.Stop)
	return c, l, timers
}

func connected(t *testing.T, cfg Config) (*Client, *recordingListener, *fakeTimers, *fakeConn, *fakeDialer) {
	t.Helper()
	conn := newFakeConn()
	d := &fakeDialer{script: []dialStep{succeed(conn)}}
	c, l, timers := newTestClient(t, cfg, d)
	c.Connect()
	if !recv(t, l.conns, "connection open") {
		t.Fatalf("expected connected=true")
	}
	waitForState(t, c, StateConnected)
	return c, l, timers, conn, d
}

func TestRetryBudgetIsFiniteAndFixed(t *testing.T) {
	d := &fakeDialer{fallback: failDial}
	c, l, timers := newTestClient(t, testConfig(), d)
	c.Connect()

	for i := 1; i <= DefaultMaxReconnectAttempts; i++ {
		err := recv(t, l.errs, "dial error")
		if !errors.Is(err, ErrDial) || !errors.Is(err, errRefused) {
			t.Fatalf("attempt %d: error = %v, want ErrDial wrapping refusal", i, err)
		}
		tm := recv(t, timers.scheduled, "retry timer")
		if tm.delay != DefaultReconnectDelay {
			t.Fatalf("attempt %d: delay = %s, want %s", i, tm.delay, DefaultReconnectDelay)
		}
		if got := c.ReconnectAttempts(); got != i {
			t.Fatalf("ReconnectAttempts = %d, want %d", got, i)
		}
		tm.fire()
	}

	recv(t, l.errs, "final dial error")
	waitForState(t, c, StateFailed)
	expectNone(t, timers.scheduled, "retry after budget exhausted")
	if got := d.dials.Load(); got != DefaultMaxReconnectAttempts+1 {
		t.Fatalf("dials = %d, want %d", got, DefaultMaxReconnectAttempts+1)
	}
	expectNone(t, l.conns, "connection change for failed dials")

	// Explicit Connect still dials but does not refill the budget.
	c.Connect()
	recv(t, l.errs, "dial error after explicit connect")
	waitForState(t, c, StateFailed)
	expectNone(t, timers.scheduled, "retry after explicit connect")
}

func TestRetryCounterResetsOnSuccessfulOpen(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{
		script:   []dialStep{failDial, failDial, failDial, succeed(conn)},
		fallback: failDial,
	}
	c, l, timers := newTestClient(t, testConfig(), d)
	c.Connect()

	for i := 0; i < 3; i++ {
		recv(t, l.errs, "dial error")
		recv(t, timers.scheduled, "retry timer").fire()
	}
	if !recv(t, l.conns, "connection open") {
		t.Fatalf("expected connected=true")
	}
	waitForState(t, c, StateConnected)
	if got := c.ReconnectAttempts(); got != 0 {
		t.Fatalf("ReconnectAttempts after open = %d, want 0", got)
	}

	conn.drop <- io.ErrUnexpectedEOF
	if err := recv(t, l.errs, "transport error"); !errors.Is(err, ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}
	if recv(t, l.conns, "connection close") {
		t.Fatalf("expected connected=false")
	}

	for i := 1; i <= DefaultMaxReconnectAttempts; i++ {
		recv(t, timers.scheduled, "retry timer").fire()
		recv(t, l.errs, "dial error")
	}
	waitForState(t, c, StateFailed)
	expectNone(t, timers.scheduled, "sixth retry")
}

func TestAutoReconnectDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AutoReconnect = false
	c, l, timers, conn, _ := connected(t, cfg)

	conn.drop <- io.ErrUnexpectedEOF
	recv(t, l.errs, "transport error")
	recv(t, l.conns, "connection close")
	waitForState(t, c, StateDisconnected)
	expectNone(t, timers.scheduled, "retry with auto reconnect off")
}

func TestNormalCloseIsNotAnError(t *testing.T) {
	c, l, timers, conn, _ := connected(t, testConfig())

	conn.drop <- &websocket.CloseError{Code: websocket.CloseGoingAway}
	if recv(t, l.conns, "connection close") {
		t.Fatalf("expected connected=false")
	}
	expectNone(t, l.errs, "error for going-away close")
	recv(t, timers.scheduled, "retry timer")
	waitForState(t, c, StateReconnecting)
}

func TestCallbackIsolation(t *testing.T) {
	c, l, _, conn, _ := connected(t, testConfig())

	conn.incoming <- []byte(`{"image":"aGVsbG8="}`)
	if got := string(recv(t, l.videos, "video update")); got != "hello" {
		t.Fatalf("frame = %q, want hello", got)
	}
	expectNone(t, l.phases, "phase update for image-only message")

	conn.incoming <- []byte(`{"stage":"marking","confidences":[90,2,2,2,2,2]}`)
	call := recv(t, l.phases, "phase update")
	if call.ev.Phase != "marking" {
		t.Fatalf("phase = %q, want marking", call.ev.Phase)
	}
	expectNone(t, l.videos, "video update for stage-only message")

	conn.incoming <- []byte(`{"unrelated":1}`)
	conn.incoming <- []byte(`{"stage":"injection"}`)
	call = recv(t, l.phases, "sentinel phase update")
	if call.ev.Phase != "injection" {
		t.Fatalf("phase = %q, want injection", call.ev.Phase)
	}
	if call.ev.Confidences == nil || len(call.ev.Confidences) != 0 {
		t.Fatalf("missing confidences = %#v, want empty non-nil", call.ev.Confidences)
	}
	expectNone(t, l.videos, "video update for unrelated message")
	expectNone(t, l.errs, "error for unrelated message")

	if got := len(c.History()); got != 2 {
		t.Fatalf("history length = %d, want 2", got)
	}
}

func TestMalformedMessage(t *testing.T) {
	c, l, _, conn, _ := connected(t, testConfig())

	conn.incoming <- []byte(`{"stage":"marking"}`)
	recv(t, l.phases, "phase update")

	conn.incoming <- []byte(`not json`)
	if err := recv(t, l.errs, "decode error"); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("error = %v, want ErrMalformedMessage", err)
	}
	expectNone(t, l.errs, "second decode error")
	expectNone(t, l.phases, "phase update for malformed message")
	expectNone(t, l.conns, "connection change for malformed message")

	if c.State() != StateConnected {
		t.Fatalf("state = %s, want connected", c.State())
	}
	if got := len(c.History()); got != 1 {
		t.Fatalf("history length = %d, want 1", got)
	}
	if p, ok := c.CurrentPhase(); !ok || p != "marking" {
		t.Fatalf("CurrentPhase = %q, %v", p, ok)
	}
}

func TestBadImageStillDeliversStage(t *testing.T) {
	_, l, _, conn, _ := connected(t, testConfig())

	conn.incoming <- []byte(`{"image":"***","stage":"incision"}`)
	if err := recv(t, l.errs, "image error"); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("error = %v, want ErrMalformedMessage", err)
	}
	if call := recv(t, l.phases, "phase update"); call.ev.Phase != "incision" {
		t.Fatalf("phase = %q", call.ev.Phase)
	}
	expectNone(t, l.videos, "video for bad image")
}

func TestMistypedFieldStillDeliversStage(t *testing.T) {
	c, l, _, conn, _ := connected(t, testConfig())

	conn.incoming <- []byte(`{"stage":"marking","confidences":[90,10],"inference_time":"12.5"}`)
	if err := recv(t, l.errs, "field error"); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("error = %v, want ErrMalformedMessage", err)
	}
	call := recv(t, l.phases, "phase update")
	if call.ev.Phase != "marking" || call.ev.InferenceTimeMs != 0 {
		t.Fatalf("event = %+v", call.ev)
	}
	if len(call.ev.Confidences) != 2 || call.ev.Confidences[0] != 90 {
		t.Fatalf("confidences = %v", call.ev.Confidences)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %s, want connected", c.State())
	}
}

func TestBackendStatusUpdatePayload(t *testing.T) {
	_, l, _, conn, _ := connected(t, testConfig())

	conn.incoming <- []byte(`{"status_update":true,"model_info":"resnet50","resolution":"1280x720","avg_inference_time":"41.27 ms","paused":false,"webcam_mode":false}`)
	st := recv(t, l.statuses, "status update")
	if st.Kind != StatusUpdate || st.ModelInfo != "resnet50" || st.Resolution != "1280x720" || st.AvgInferenceMs != 41.27 {
		t.Fatalf("update = %+v", st)
	}

	conn.incoming <- []byte(`{"status_update":true,"model_info":"resnet50","resolution":"1280x720","avg_inference_time":"Unknown","paused":true,"webcam_mode":true}`)
	st = recv(t, l.statuses, "status update before first inference")
	if st.Kind != StatusUpdate || st.AvgInferenceMs != 0 || !st.Paused || !st.WebcamMode {
		t.Fatalf("update = %+v", st)
	}
	expectNone(t, l.errs, "OnError for backend status update")
}

func TestHistoryBoundedFIFO(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHistoryLength = 3
	c, l, _, conn, _ := connected(t, cfg)

	for _, stage := range []string{"marking", "marking", "circumcision", "installation"} {
		conn.incoming <- []byte(`{"stage":"` + stage + `"}`)
	}
	var last phaseCall
	for i := 0; i < 4; i++ {
		last = recv(t, l.phases, "phase update")
	}

	want := []string{"marking", "circumcision", "installation"}
	check := func(name string, history []phase.Event) {
		t.Helper()
		if len(history) != len(want) {
			t.Fatalf("%s: length = %d, want %d", name, len(history), len(want))
		}
		for i, ev := range history {
			if ev.Phase != want[i] {
				t.Fatalf("%s[%d] = %q, want %q", name, i, ev.Phase, want[i])
			}
		}
		if history[0].Seq != 2 {
			t.Fatalf("%s: oldest seq = %d, want 2", name, history[0].Seq)
		}
	}
	check("callback history", last.history)
	check("History()", c.History())

	if last.ev.Phase != "installation" || last.ev.Seq != 4 {
		t.Fatalf("event = %+v", last.ev)
	}
	if p, _ := c.CurrentPhase(); p != "installation" {
		t.Fatalf("CurrentPhase = %q", p)
	}
}

func TestHistoryIsDefensiveCopy(t *testing.T) {
	c, l, _, conn, _ := connected(t, testConfig())

	conn.incoming <- []byte(`{"stage":"marking","confidences":[80,20]}`)
	call := recv(t, l.phases, "phase update")
	call.history[0].Phase = "tampered"
	call.history[0].Confidences[0] = -1

	snap := c.History()
	snap[0].Confidences[1] = -1

	got := c.History()
	if got[0].Phase != "marking" || got[0].Confidences[0] != 80 || got[0].Confidences[1] != 20 {
		t.Fatalf("history mutated through a copy: %+v", got[0])
	}
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	c, l, timers, conn, d := connected(t, testConfig())

	conn.drop <- io.ErrUnexpectedEOF
	recv(t, l.errs, "transport error")
	recv(t, l.conns, "connection close")
	tm := recv(t, timers.scheduled, "retry timer")

	c.Disconnect()
	waitForState(t, c, StateDisconnected)
	deadline := time.Now().Add(testTimeout)
	for !tm.stopped.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("pending retry was not stopped")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// A callback that raced past Stop must be ignored.
	tm.fn()
	time.Sleep(50 * time.Millisecond)
	if got := d.dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", c.State())
	}
}

func TestDisconnectKeepsPendingRetryWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.KeepPendingReconnect = true
	c, l, timers, conn, d := connected(t, cfg)

	conn.drop <- io.ErrUnexpectedEOF
	recv(t, l.errs, "transport error")
	recv(t, l.conns, "connection close")
	tm := recv(t, timers.scheduled, "retry timer")

	c.Disconnect()
	waitForState(t, c, StateDisconnected)
	if tm.stopped.Load() {
		t.Fatalf("retry stopped despite KeepPendingReconnect")
	}
	tm.fire()
	recv(t, l.errs, "dial error from kept retry")
	if got := d.dials.Load(); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}
}

func TestDisconnectOpenConnection(t *testing.T) {
	c, l, timers, conn, _ := connected(t, testConfig())

	c.Disconnect()
	if recv(t, l.conns, "connection close") {
		t.Fatalf("expected connected=false")
	}
	waitForState(t, c, StateDisconnected)
	if !conn.isClosed() {
		t.Fatalf("socket not closed")
	}
	expectNone(t, timers.scheduled, "retry after explicit disconnect")
	expectNone(t, l.errs, "error after explicit disconnect")

	// Second disconnect is a no-op.
	c.Disconnect()
	expectNone(t, l.conns, "connection change for repeated disconnect")
}

func TestConnectReplacesActiveConnection(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	d := &fakeDialer{script: []dialStep{succeed(first), succeed(second)}}
	c, l, _ := newTestClient(t, testConfig(), d)

	c.Connect()
	if !recv(t, l.conns, "first open") {
		t.Fatalf("expected connected=true")
	}
	c.Connect()
	if recv(t, l.conns, "first close") {
		t.Fatalf("expected connected=false")
	}
	if !recv(t, l.conns, "second open") {
		t.Fatalf("expected connected=true")
	}
	if !first.isClosed() {
		t.Fatalf("first socket not closed")
	}

	second.incoming <- []byte(`{"stage":"incision"}`)
	if call := recv(t, l.phases, "phase update"); call.ev.Phase != "incision" {
		t.Fatalf("phase = %q", call.ev.Phase)
	}
	waitForState(t, c, StateConnected)
}

func TestSendCommand(t *testing.T) {
	c, _, _, conn, _ := connected(t, testConfig())
	ctx := context.Background()

	if err := c.Send(ctx, CommandPause); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send(ctx, CommandSwitchToWebcam); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := conn.written()
	want := []string{`{"command":"pause"}`, `{"command":"switch_to_webcam"}`}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("writes = %q, want %q", got, want)
	}

	if err := c.Send(ctx, Command("reboot")); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("Send unknown = %v, want ErrUnknownCommand", err)
	}

	c.Disconnect()
	waitForState(t, c, StateDisconnected)
	if err := c.Send(ctx, CommandResume); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send while disconnected = %v, want ErrNotConnected", err)
	}

	c.Stop()
	if err := c.Send(ctx, CommandResume); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Stop = %v, want ErrClosed", err)
	}
}

func TestStatusMessages(t *testing.T) {
	_, l, _, conn, _ := connected(t, testConfig())

	conn.incoming <- []byte(`{"status":"connected","fps":25,"webcam_mode":false}`)
	st := recv(t, l.statuses, "hello")
	if st.Kind != StatusHello || st.FPS != 25 {
		t.Fatalf("hello = %+v", st)
	}

	conn.incoming <- []byte(`{"command_ack":"pause","status":"success","paused":true}`)
	st = recv(t, l.statuses, "ack")
	if st.Kind != StatusCommandAck || st.Command != CommandPause || !st.Paused || st.Message != "success" {
		t.Fatalf("ack = %+v", st)
	}

	conn.incoming <- []byte(`{"error":"camera unavailable"}`)
	st = recv(t, l.statuses, "server error")
	if st.Kind != StatusServerError || st.Message != "camera unavailable" {
		t.Fatalf("server error = %+v", st)
	}
	expectNone(t, l.errs, "OnError for backend error message")
}

func TestStateTransitions(t *testing.T) {
	d := &fakeDialer{fallback: failDial}
	c, l, timers := newTestClient(t, testConfig(), d)
	c.Connect()

	if s := recv(t, l.states, "connecting"); s != StateConnecting {
		t.Fatalf("state = %s, want connecting", s)
	}
	if s := recv(t, l.states, "reconnecting"); s != StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", s)
	}
	recv(t, timers.scheduled, "retry").fire()
	if s := recv(t, l.states, "connecting"); s != StateConnecting {
		t.Fatalf("state = %s, want connecting", s)
	}
	c.Disconnect()
	for {
		if s := recv(t, l.states, "disconnected"); s == StateDisconnected {
			break
		}
	}
}

func TestStopSilencesListener(t *testing.T) {
	c, l, _, conn, _ := connected(t, testConfig())
	c.Stop()
	c.Stop()

	if !conn.isClosed() {
		t.Fatalf("socket not closed by Stop")
	}
	expectNone(t, l.conns, "connection change after Stop")
	if c.State() != StateDisconnected {
		t.Fatalf("state = %s", c.State())
	}
}

func TestWebsocketEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	commands := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultPath {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, []byte(
			`{"image":"aGVsbG8=","stage":"incision","confidences":[1,95,1,1,1,1],"inference_time":12.5,"elapsed_time":65}`))
		if _, data, err := ws.ReadMessage(); err == nil {
			commands <- string(data)
		}
		<-release
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultPath
	l := newRecordingListener()
	timers := &fakeTimers{scheduled: make(chan *fakeTimer, 8)}
	c := NewClient(cfg, l, WithAfterFunc(timers.afterFunc))
	defer c.Stop()

	c.Connect()
	if !recv(t, l.conns, "connection open") {
		t.Fatalf("expected connected=true")
	}
	if got := string(recv(t, l.videos, "frame")); got != "hello" {
		t.Fatalf("frame = %q", got)
	}
	call := recv(t, l.phases, "phase")
	if call.ev.Phase != "incision" || call.ev.InferenceTimeMs != 12.5 || call.ev.ElapsedTimeSec != 65 {
		t.Fatalf("event = %+v", call.ev)
	}
	if err := c.Send(context.Background(), CommandResume); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recv(t, commands, "command"); got != `{"command":"resume"}` {
		t.Fatalf("command = %q", got)
	}

	close(release)
	if recv(t, l.conns, "connection close") {
		t.Fatalf("expected connected=false")
	}
	expectNone(t, l.errs, "error for normal close")
	recv(t, timers.scheduled, "retry after server close")
}

func TestDialRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := testConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultPath
	cfg.AutoReconnect = false
	l := newRecordingListener()
	c := NewClient(cfg, l)
	defer c.Stop()

	c.Connect()
	err := recv(t, l.errs, "dial error")
	if !errors.Is(err, ErrDial) || !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("error = %v", err)
	}
	if !strings.Contains(err.Error(), "HTTP 404") {
		t.Fatalf("error %q lacks status", err)
	}
	waitForState(t, c, StateDisconnected)
}

// Package stream implements the reconnecting WebSocket client that feeds the
// phase dashboard.
//
// The backend pushes JSON messages carrying an encoded frame, a phase
// classification with per-phase confidences, or a status report. The client
// decodes them, keeps a bounded history of classifications and forwards
// everything to a Listener.
//
// Features:
//   - Fixed-delay (or exponential) reconnect with an attempt cap; the counter
//     resets only when a connection opens
//   - Bounded FIFO history (buffer.History) with defensive snapshots
//   - Control commands (pause/resume/source switch) written back to the backend
//   - Connection state callbacks, including Reconnecting and Failed
//
// Thread Safety:
//   - One event-loop goroutine owns all connection state and invokes every
//     Listener method, so callbacks never run concurrently
//   - Dials, socket reads and retry timers run on their own goroutines and
//     post events to the loop; stale events are dropped by generation number
//   - Inspection methods (State, History, ...) are safe from any goroutine
package stream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"phasefeed/buffer"
	"phasefeed/phase"

	"github.com/gorilla/websocket"
)

const eventQueueSize = 256

// Timer is the handle returned by the retry scheduler.
type Timer interface {
	Stop() bool
}

// Option customizes a Client at construction.
type Option func(*Client)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithAfterFunc replaces time.AfterFunc for retry scheduling.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(c *Client) {
		if fn != nil {
			c.afterFunc = fn
		}
	}
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client owns one WebSocket connection to the classification backend.
type Client struct {
	cfg       Config
	listener  Listener
	statusL   StatusListener
	stateL    StateListener
	dialer    Dialer
	afterFunc func(time.Duration, func()) Timer
	now       func() time.Time
	history   *buffer.History

	events   chan any
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the event loop.
	gen        uint64
	conn       Conn
	cancelDial context.CancelFunc
	retryTimer Timer
	retryToken uint64
	attempts   int
	backoff    *backoff

	// Published for inspection.
	mu           sync.RWMutex
	state        State
	attemptsSeen int
	lastPhase    string
	hasPhase     bool
}

type (
	connectRequest    struct{}
	disconnectRequest struct{}
	sendRequest       struct {
		payload []byte
		reply   chan error
	}
	dialResult struct {
		gen  uint64
		conn Conn
		err  error
	}
	inboundMessage struct {
		gen  uint64
		data []byte
	}
	connClosed struct {
		gen uint64
		err error
	}
	retryDue struct {
		token uint64
	}
)

// NewClient creates a client and starts its event loop. No connection is
// made until Connect is called. A nil listener discards all events.
func NewClient(cfg Config, l Listener, opts ...Option) *Client {
	cfg = cfg.normalized()
	if l == nil {
		l = Callbacks{}
	}
	c := &Client{
		cfg:      cfg,
		listener: l,
		dialer:   WebsocketDialer{HandshakeTimeout: cfg.HandshakeTimeout, ReadLimit: cfg.ReadLimit},
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		now:      time.Now,
		history:  buffer.NewHistory(cfg.MaxHistoryLength),
		events:   make(chan any, eventQueueSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		backoff:  newBackoff(cfg.Backoff, cfg.ReconnectDelay, cfg.MaxReconnectDelay),
		state:    StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.statusL, _ = l.(StatusListener)
	c.stateL, _ = l.(StateListener)
	go c.loop()
	return c
}

// Connect opens a new connection, closing the current one first. It returns
// immediately; the outcome arrives through the Listener. An explicit Connect
// cancels any scheduled retry but does not refill the retry budget.
func (c *Client) Connect() {
	c.post(connectRequest{})
}

// Disconnect closes the active connection, if any, and marks the client
// Disconnected. A scheduled retry is cancelled unless KeepPendingReconnect
// is set.
func (c *Client) Disconnect() {
	c.post(disconnectRequest{})
}

// Send writes a control command to the backend.
func (c *Client) Send(ctx context.Context, cmd Command) error {
	payload, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if !c.post(sendRequest{payload: payload, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Stop closes the connection, cancels timers and ends the event loop. No
// Listener method runs after Stop returns. Stop must not be called from a
// Listener method.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.shutdown)
	})
	<-c.done
}

// IsConnected reports whether the connection is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ReconnectAttempts returns the number of retries scheduled since the last
// successful open.
func (c *Client) ReconnectAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attemptsSeen
}

// CurrentPhase returns the most recent classification label.
func (c *Client) CurrentPhase() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPhase, c.hasPhase
}

// History returns a copy of the classification history, oldest first.
func (c *Client) History() []phase.Event {
	return c.history.Snapshot()
}

// Config returns the effective configuration after defaults.
func (c *Client) Config() Config {
	return c.cfg
}

func (c *Client) post(ev any) bool {
	select {
	case <-c.shutdown:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.shutdown:
		return false
	}
}

func (c *Client) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.shutdown:
			c.teardown()
			return
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

func (c *Client) dispatch(ev any) {
	switch ev := ev.(type) {
	case connectRequest:
		c.cancelRetry()
		c.open()
	case disconnectRequest:
		c.disconnect()
	case sendRequest:
		ev.reply <- c.write(ev.payload)
	case dialResult:
		c.onDialResult(ev)
	case inboundMessage:
		if ev.gen == c.gen && c.conn != nil {
			c.handleMessage(ev.data)
		}
	case connClosed:
		c.onClosed(ev)
	case retryDue:
		if ev.token != c.retryToken || c.retryTimer == nil {
			return
		}
		c.retryTimer = nil
		c.open()
	}
}

func (c *Client) open() {
	c.closeActive()
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.setState(StateConnecting)
	log.Printf("Stream: connecting to %s", c.cfg.URL)

	dialer := c.dialer
	url := c.cfg.URL
	go func() {
		conn, err := dialer.Dial(ctx, url)
		if !c.post(dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Client) onDialResult(ev dialResult) {
	if ev.gen != c.gen || c.cancelDial == nil {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	c.cancelDial()
	c.cancelDial = nil

	if ev.err != nil {
		log.Printf("Stream: connection to %s failed: %v", c.cfg.URL, ev.err)
		c.listener.OnError(fmt.Errorf("%w: %w", ErrDial, ev.err))
		c.scheduleReconnect()
		return
	}

	c.conn = ev.conn
	c.attempts = 0
	c.backoff.Reset()
	c.setState(StateConnected)
	log.Printf("Stream: connection established to %s", c.cfg.URL)
	c.listener.OnConnectionChange(true)
	go c.readLoop(ev.gen, ev.conn)
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.post(connClosed{gen: gen, err: err})
			return
		}
		if !c.post(inboundMessage{gen: gen, data: data}) {
			return
		}
	}
}

func (c *Client) onClosed(ev connClosed) {
	if ev.gen != c.gen || c.conn == nil {
		return
	}
	if isUnexpectedClose(ev.err) {
		c.listener.OnError(fmt.Errorf("%w: %w", ErrTransport, ev.err))
	}
	_ = c.conn.Close()
	c.conn = nil
	c.setState(StateDisconnected)
	log.Printf("Stream: connection closed: %v", ev.err)
	c.listener.OnConnectionChange(false)
	c.scheduleReconnect()
}

func (c *Client) disconnect() {
	c.closeActive()
	if !c.cfg.KeepPendingReconnect {
		c.cancelRetry()
	}
	c.setState(StateDisconnected)
}

// closeActive abandons any dial in flight and closes the open connection.
// Bumping the generation makes late dial results and reads from the old
// socket stale.
func (c *Client) closeActive() {
	c.gen++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.conn == nil {
		return
	}
	closeGracefully(c.conn)
	c.conn = nil
	c.setState(StateDisconnected)
	log.Printf("Stream: connection to %s closed by client", c.cfg.URL)
	c.listener.OnConnectionChange(false)
}

func (c *Client) scheduleReconnect() {
	if !c.cfg.AutoReconnect {
		c.setState(StateDisconnected)
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		log.Printf("Stream: max reconnection attempts (%d) reached, giving up", c.cfg.MaxReconnectAttempts)
		c.setState(StateFailed)
		return
	}
	c.attempts++
	delay := c.backoff.Next()
	c.cancelRetry()
	token := c.retryToken
	log.Printf("Stream: reconnect attempt %d/%d in %s", c.attempts, c.cfg.MaxReconnectAttempts, delay)
	c.setState(StateReconnecting)
	c.retryTimer = c.afterFunc(delay, func() {
		c.post(retryDue{token: token})
	})
}

func (c *Client) cancelRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retryToken++
}

func (c *Client) write(payload []byte) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (c *Client) handleMessage(data []byte) {
	msg, err := decodeMessage(data)
	if err != nil {
		log.Printf("Stream: dropping malformed message: %v", err)
		c.listener.OnError(fmt.Errorf("%w: %w", ErrMalformedMessage, err))
		return
	}
	if msg.fieldErr != nil {
		log.Printf("Stream: ignoring malformed fields: %v", msg.fieldErr)
		c.listener.OnError(fmt.Errorf("%w: %w", ErrMalformedMessage, msg.fieldErr))
	}

	if msg.Image != "" {
		frame, err := decodeFrame(msg.Image)
		if err != nil {
			c.listener.OnError(fmt.Errorf("%w: %w", ErrMalformedMessage, err))
		} else {
			c.listener.OnVideoUpdate(frame)
		}
	}

	if msg.Stage != "" {
		ev := c.history.Add(phase.Event{
			Timestamp:       c.now(),
			Phase:           msg.Stage,
			Confidences:     msg.Confidences,
			InferenceTimeMs: msg.InferenceTime,
			ElapsedTimeSec:  msg.ElapsedTime,
			Cached:          msg.Cached,
		})
		c.mu.Lock()
		c.lastPhase = ev.Phase
		c.hasPhase = true
		c.mu.Unlock()
		c.listener.OnPhaseUpdate(ev, c.history.Snapshot())
	}

	if c.statusL != nil {
		if st, ok := msg.status(); ok {
			c.statusL.OnStatus(st)
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.attemptsSeen = c.attempts
	c.mu.Unlock()
	if changed && c.stateL != nil {
		c.stateL.OnStateChange(s)
	}
}

// teardown runs once on Stop. It closes everything without notifying the
// listener and releases resources carried by events still queued.
func (c *Client) teardown() {
	c.cancelRetry()
	c.gen++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.conn != nil {
		closeGracefully(c.conn)
		c.conn = nil
	}
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	for {
		select {
		case ev := <-c.events:
			switch ev := ev.(type) {
			case dialResult:
				if ev.conn != nil {
					_ = ev.conn.Close()
				}
			case sendRequest:
				ev.reply <- ErrClosed
			}
		default:
			return
		}
	}
}

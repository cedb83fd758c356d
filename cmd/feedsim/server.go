package main

import (
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"phasefeed/phase"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	streamPath   = "/ws/stream/"
	writeTimeout = 5 * time.Second
)

type serverOptions struct {
	Interval       time.Duration // Gap between classification messages
	StatusInterval time.Duration // Gap between status_update messages
	Frames         bool
	Scenario       scenarioConfig
}

// server accepts stream connections and feeds each one its own scenario.
type server struct {
	catalog  *phase.Catalog
	opts     serverOptions
	upgrader websocket.Upgrader
	now      func() time.Time

	active   atomic.Int64
	sessions atomic.Uint64
	seq      atomic.Uint64
}

func newServer(catalog *phase.Catalog, opts serverOptions) *server {
	if opts.Interval <= 0 {
		opts.Interval = 200 * time.Millisecond
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 5 * time.Second
	}
	if opts.Scenario.FPS <= 0 {
		opts.Scenario.FPS = float64(time.Second) / float64(opts.Interval)
	}
	return &server{
		catalog: catalog,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(streamPath, s.handleStream)
	return mux
}

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Feedsim: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	id := s.sessions.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)
	log.Printf("Feedsim: session %d opened from %s", id, r.RemoteAddr)

	cfg := s.opts.Scenario
	cfg.Seed += s.seq.Add(1)
	sc := newScenario(s.catalog, cfg, s.now())
	c := &conn{ws: ws}
	defer ws.Close()

	commands := make(chan string, 8)
	readDone := make(chan struct{})
	go s.readCommands(ws, commands, readDone)

	if err := c.send(sc.hello()); err != nil {
		log.Printf("Feedsim: session %d hello failed: %v", id, err)
		return
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	statusTicker := time.NewTicker(s.opts.StatusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readDone:
			log.Printf("Feedsim: session %d closed after %d messages", id, sc.sent)
			return
		case cmd := <-commands:
			reply := sc.apply(cmd)
			if reply.Error != "" {
				log.Printf("Feedsim: session %d rejected %q", id, cmd)
			} else {
				log.Printf("Feedsim: session %d %s (paused=%v webcam=%v)", id, cmd, sc.paused, sc.webcam)
			}
			if err := c.send(reply); err != nil {
				return
			}
		case <-statusTicker.C:
			if err := c.send(sc.statusUpdate(s.now())); err != nil {
				return
			}
		case <-ticker.C:
			if sc.paused {
				continue
			}
			if err := c.send(sc.next(s.now(), s.opts.Frames)); err != nil {
				log.Printf("Feedsim: session %d write failed: %v", id, err)
				return
			}
		}
	}
}

// readCommands forwards control commands until the peer goes away.
// Malformed messages are skipped.
func (s *server) readCommands(ws *websocket.Conn, out chan<- string, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg commandMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Command == "" {
			continue
		}
		select {
		case out <- msg.Command:
		default:
			log.Printf("Feedsim: command queue full; dropping %q", msg.Command)
		}
	}
}

// Package recorder persists every classification and connection change of a
// dashboard session to SQLite for offline review without slowing the live
// stream. Writes go through a bounded queue drained by one goroutine; when the
// queue is full new records are dropped and counted rather than blocking the
// stream client's event loop.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"phasefeed/internal/ratelimit"
	"phasefeed/phase"
	"phasefeed/stream"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultQueueSize  = 1024
	maxBatch          = 64
	preflightTimeout  = 2 * time.Second
	busyTimeoutMillis = 5000
)

// Options configures Open.
type Options struct {
	QueueSize int
	SessionID string           // Generated when empty
	StreamURL string           // Stored on the session row
	Now       func() time.Time // Defaults to time.Now
}

// Session is one recorded dashboard run.
type Session struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time // Zero while the session is open or if it never closed cleanly
	StreamURL string
	Events    int
}

// Record is one stored classification.
type Record struct {
	SessionID   string
	Seq         uint64
	ReceivedAt  time.Time
	Phase       string
	Confidences []float64
	InferenceMs float64
	ElapsedSec  float64
	Cached      bool
}

// ConnectionChange is one stored open/close of the stream connection.
type ConnectionChange struct {
	SessionID string
	At        time.Time
	Connected bool
}

type queued struct {
	event *phase.Event
	conn  *ConnectionChange
}

// Recorder writes one session to SQLite.
type Recorder struct {
	db      *sql.DB
	session Session
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	done   chan struct{}

	written atomic.Uint64
	drops   *ratelimit.Counter
}

// Open prepares the database at path, starts a new session and the writer.
// A database that fails its integrity check is quarantined and replaced.
func Open(ctx context.Context, path string, opts Options) (*Recorder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("recorder: empty path")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("recorder: ensure dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := preflight(ctx, path, preflightTimeout, log.Printf); err != nil {
			return nil, fmt.Errorf("recorder: %w", err)
		}
	}

	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	session := Session{
		ID:        opts.SessionID,
		StartedAt: opts.Now().UTC(),
		StreamURL: opts.StreamURL,
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at, stream_url) VALUES (?, ?, ?)`,
		session.ID, toMillis(session.StartedAt), session.StreamURL); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: insert session: %w", err)
	}

	r := &Recorder{
		db:      db,
		session: session,
		now:     opts.Now,
		queue:   make(chan queued, opts.QueueSize),
		done:    make(chan struct{}),
		drops:   ratelimit.NewCounter(time.Minute),
	}
	go r.run()
	log.Printf("Recorder: session %s recording to %s", session.ID, path)
	return r, nil
}

// OpenReadOnly opens an existing database for Sessions/Events queries.
func OpenReadOnly(ctx context.Context, path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Reader{db: db}, nil
}

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		fmt.Sprintf("pragma busy_timeout=%d", busyTimeoutMillis),
		"pragma journal_mode=WAL",
		"pragma synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("recorder: %s: %w", pragma, err)
		}
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    stream_url TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    received_at INTEGER NOT NULL,
    phase TEXT NOT NULL,
    confidences TEXT,
    inference_ms REAL,
    elapsed_sec REAL,
    cached INTEGER
);
CREATE INDEX IF NOT EXISTS events_session_seq ON events (session_id, seq);
CREATE TABLE IF NOT EXISTS connection_changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    at INTEGER NOT NULL,
    connected INTEGER NOT NULL
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("recorder: schema: %w", err)
	}
	return nil
}

// Session returns the session being recorded.
func (r *Recorder) Session() Session {
	return r.session
}

// Record enqueues a classification. It never blocks.
func (r *Recorder) Record(ev phase.Event) {
	if r == nil {
		return
	}
	stored := ev.Clone()
	r.enqueue(queued{event: &stored})
}

// RecordConnection enqueues a connection change. It never blocks.
func (r *Recorder) RecordConnection(connected bool) {
	if r == nil {
		return
	}
	r.enqueue(queued{conn: &ConnectionChange{
		SessionID: r.session.ID,
		At:        r.now().UTC(),
		Connected: connected,
	}})
}

func (r *Recorder) enqueue(item queued) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drops.Inc()
		return
	}
	select {
	case r.queue <- item:
	default:
		if total, ok := r.drops.Inc(); ok {
			log.Printf("Recorder: write queue full; %d records dropped so far", total)
		}
	}
}

// Listener returns a stream listener that records classifications and
// connection changes.
func (r *Recorder) Listener() stream.Listener {
	return stream.Callbacks{
		PhaseUpdate:      func(ev phase.Event, _ []phase.Event) { r.Record(ev) },
		ConnectionChange: r.RecordConnection,
	}
}

// Written returns the number of rows committed.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Dropped returns the number of records discarded because the queue was full
// or the recorder was closed.
func (r *Recorder) Dropped() uint64 { return r.drops.Total() }

// Close drains the queue, stamps the session end and closes the database.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done

	_, err := r.db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, toMillis(r.now().UTC()), r.session.ID)
	if err != nil {
		err = fmt.Errorf("recorder: close session: %w", err)
	}
	if dropped := r.drops.Total(); dropped > 0 {
		log.Printf("Recorder: session %s closed with %d dropped records", r.session.ID, dropped)
	}
	return errors.Join(err, r.db.Close())
}

// run is the single writer. Items are committed in queue order, batched into
// one transaction per burst.
func (r *Recorder) run() {
	defer close(r.done)
	batch := make([]queued, 0, maxBatch)
	for item := range r.queue {
		batch = append(batch[:0], item)
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-r.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		if err := r.writeBatch(batch); err != nil {
			log.Printf("Recorder: write batch of %d failed: %v", len(batch), err)
			continue
		}
		r.written.Add(uint64(len(batch)))
	}
}

func (r *Recorder) writeBatch(batch []queued) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	for _, item := range batch {
		switch {
		case item.event != nil:
			ev := item.event
			confidences, err := json.Marshal(ev.Confidences)
			if err != nil {
				tx.Rollback()
				return err
			}
			_, err = tx.Exec(`
INSERT INTO events (session_id, seq, received_at, phase, confidences, inference_ms, elapsed_sec, cached)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				r.session.ID, ev.Seq, toMillis(ev.Timestamp), ev.Phase, string(confidences),
				ev.InferenceTimeMs, ev.ElapsedTimeSec, boolToInt(ev.Cached))
			if err != nil {
				tx.Rollback()
				return err
			}
		case item.conn != nil:
			_, err := tx.Exec(`INSERT INTO connection_changes (session_id, at, connected) VALUES (?, ?, ?)`,
				item.conn.SessionID, toMillis(item.conn.At), boolToInt(item.conn.Connected))
			if err != nil {
				tx.Rollback()
				return err
			}
		}
	}
	return tx.Commit()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

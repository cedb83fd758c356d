package recorder

import (
	"context"
	"database/sql"
	"fmt"
)

// Reader queries a recorded database without starting a session.
type Reader struct {
	db *sql.DB
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}

// Sessions lists recorded sessions, oldest first.
func (r *Reader) Sessions(ctx context.Context) ([]Session, error) {
	return querySessions(ctx, r.db)
}

// Events returns a session's classifications in arrival order.
func (r *Reader) Events(ctx context.Context, sessionID string) ([]Record, error) {
	return queryEvents(ctx, r.db, sessionID)
}

// Connections returns a session's connection changes in order.
func (r *Reader) Connections(ctx context.Context, sessionID string) ([]ConnectionChange, error) {
	return queryConnections(ctx, r.db, sessionID)
}

// Sessions lists recorded sessions, including the current one.
func (r *Recorder) Sessions(ctx context.Context) ([]Session, error) {
	return querySessions(ctx, r.db)
}

// Events returns the committed classifications of a session. Records still
// queued are not visible.
func (r *Recorder) Events(ctx context.Context, sessionID string) ([]Record, error) {
	return queryEvents(ctx, r.db, sessionID)
}

func querySessions(ctx context.Context, db *sql.DB) ([]Session, error) {
	rows, err := db.QueryContext(ctx, `
SELECT s.id, s.started_at, COALESCE(s.ended_at, 0), COALESCE(s.stream_url, ''),
       (SELECT COUNT(*) FROM events e WHERE e.session_id = s.id)
FROM sessions s
ORDER BY s.started_at, s.id`)
	if err != nil {
		return nil, fmt.Errorf("recorder: query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var started, ended int64
		if err := rows.Scan(&s.ID, &started, &ended, &s.StreamURL, &s.Events); err != nil {
			return nil, fmt.Errorf("recorder: scan session: %w", err)
		}
		s.StartedAt = fromMillis(started)
		s.EndedAt = fromMillis(ended)
		out = append(out, s)
	}
	return out, rows.Err()
}

func queryEvents(ctx context.Context, db *sql.DB, sessionID string) ([]Record, error) {
	rows, err := db.QueryContext(ctx, `
SELECT seq, received_at, phase, COALESCE(confidences, '[]'), inference_ms, elapsed_sec, cached
FROM events
WHERE session_id = ?
ORDER BY seq, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("recorder: query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{SessionID: sessionID}
		var received int64
		var confidences string
		var cached int
		if err := rows.Scan(&rec.Seq, &received, &rec.Phase, &confidences, &rec.InferenceMs, &rec.ElapsedSec, &cached); err != nil {
			return nil, fmt.Errorf("recorder: scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(confidences), &rec.Confidences); err != nil {
			return nil, fmt.Errorf("recorder: event %d confidences: %w", rec.Seq, err)
		}
		if rec.Confidences == nil {
			rec.Confidences = []float64{}
		}
		rec.ReceivedAt = fromMillis(received)
		rec.Cached = cached != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func queryConnections(ctx context.Context, db *sql.DB, sessionID string) ([]ConnectionChange, error) {
	rows, err := db.QueryContext(ctx, `
SELECT at, connected FROM connection_changes WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("recorder: query connections: %w", err)
	}
	defer rows.Close()

	var out []ConnectionChange
	for rows.Next() {
		var at int64
		var connected int
		if err := rows.Scan(&at, &connected); err != nil {
			return nil, fmt.Errorf("recorder: scan connection: %w", err)
		}
		out = append(out, ConnectionChange{SessionID: sessionID, At: fromMillis(at), Connected: connected != 0})
	}
	return out, rows.Err()
}

package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// preflightResult reports the outcome of the integrity check run before an
// existing session database is reused.
type preflightResult struct {
	Healthy        bool   // No issues detected; safe to append.
	Quarantined    bool   // The database was renamed so recording starts on a fresh file.
	QuarantinePath string // Path of the quarantined main file.
	Elapsed        time.Duration
	CheckpointErr  error
	CheckErr       error
}

// preflight runs a bounded WAL checkpoint and quick_check. A database that
// fails either is renamed (with its sidecars) to a timestamped .bad- path so
// Open can continue with a fresh file. A timeout is returned as an error.
func preflight(ctx context.Context, path string, timeout time.Duration, logf func(string, ...any)) (preflightResult, error) {
	if timeout <= 0 {
		timeout = preflightTimeout
	}
	start := time.Now()
	res := preflightResult{}
	existing := sidecarState(path)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return res, fmt.Errorf("preflight: open %s: %w", path, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return res, fmt.Errorf("preflight: busy_timeout: %w", err)
	}

	_, res.CheckpointErr = db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)")
	res.CheckErr = quickCheck(ctx, db)
	res.Elapsed = time.Since(start)
	if res.CheckpointErr == nil && res.CheckErr == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("preflight: %s timed out after %s", path, timeout)
	}

	_ = db.Close()
	dest, err := quarantine(path, existing, time.Now().UTC())
	if err != nil {
		return res, fmt.Errorf("preflight: quarantine %s: %w (checkpoint=%v, quick_check=%v)", path, err, res.CheckpointErr, res.CheckErr)
	}
	res.Quarantined = true
	res.QuarantinePath = dest
	cause := res.CheckErr
	if res.CheckpointErr != nil {
		cause = res.CheckpointErr
	}
	if logf != nil {
		logf("Recorder: database %s failed preflight (%v); quarantined to %s", path, cause, dest)
	}
	return res, nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

type fileState struct {
	path string
	have bool
}

func sidecarState(path string) []fileState {
	out := make([]fileState, 0, 4)
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		_, err := os.Stat(p)
		out = append(out, fileState{path: p, have: err == nil})
	}
	return out
}

// quarantine renames the files that existed before the check. Sidecars that
// vanished during the checkpoint are skipped.
func quarantine(path string, existing []fileState, now time.Time) (string, error) {
	suffix := ".bad-" + now.Format("20060102T150405Z")
	for _, state := range existing {
		if !state.have {
			continue
		}
		if err := os.Rename(state.path, state.path+suffix); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
	}
	return path + suffix, nil
}

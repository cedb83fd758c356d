package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"phasefeed/config"
	"phasefeed/internal/ratelimit"
)

// Log lines go to the console, or to the system pane once a surface owns the
// terminal, and optionally to one file per UTC day: phasefeed-2006-01-02.log.
const (
	logTimestampLayout = "2006/01/02 15:04:05"
	logFilePrefix      = "phasefeed-"
	logFileDayLayout   = "2006-01-02"
	logFileExt         = ".log"
	maxPartialLogLine  = 16 * 1024
)

// dailyLogFile appends timestamped lines to the file for the current UTC day
// and prunes files older than keepDays whenever it opens a new one.
type dailyLogFile struct {
	dir      string
	keepDays int
	failures *ratelimit.Counter

	mu   sync.Mutex
	day  string
	file *os.File
}

// Purpose: Prepare the log directory and prune stale session logs.
// Key aspects: A bad prune is reported but does not stop startup.
// Upstream: setupLogging.
// Downstream: pruneLogFiles.
func openDailyLogFile(dir string, keepDays int) (*dailyLogFile, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if keepDays <= 0 {
		keepDays = 7
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", dir, err)
	}
	d := &dailyLogFile{dir: dir, keepDays: keepDays, failures: ratelimit.NewCounter(time.Minute)}
	if err := pruneLogFiles(dir, time.Now(), keepDays); err != nil {
		d.report(err)
	}
	return d, nil
}

func (d *dailyLogFile) WriteLine(line string, now time.Time) {
	now = now.UTC()
	day := now.Format(logFileDayLayout)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.day != day {
		d.switchDayLocked(day, now)
	}
	if d.file == nil {
		return
	}
	if _, err := d.file.WriteString(now.Format(logTimestampLayout) + " " + line + "\n"); err != nil {
		d.report(err)
	}
}

func (d *dailyLogFile) switchDayLocked(day string, now time.Time) {
	if d.file != nil {
		_ = d.file.Close()
		d.file = nil
	}
	path := filepath.Join(d.dir, logFileName(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		d.report(err)
		return
	}
	d.file = f
	d.day = day
	if err := pruneLogFiles(d.dir, now, d.keepDays); err != nil {
		d.report(err)
	}
}

// report goes straight to stderr; routing it through log would recurse.
func (d *dailyLogFile) report(err error) {
	if total, ok := d.failures.Inc(); ok {
		fmt.Fprintf(os.Stderr, "Logging: %v (%d file errors so far)\n", err, total)
	}
}

func (d *dailyLogFile) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	d.day = ""
	return err
}

// logFanout is the log.Logger output. It splits writes into lines, drops
// repeats through the deduper and copies each line to the console writer
// and the daily file.
type logFanout struct {
	mu      sync.Mutex
	pending []byte
	console io.Writer
	file    *dailyLogFile
	dedupe  *logDeduper
	now     func() time.Time
}

func newLogFanout(console io.Writer, file *dailyLogFile) *logFanout {
	return &logFanout{console: console, file: file, now: time.Now}
}

// Purpose: Build the process log writer from the logging config.
// Key aspects: Always returns a usable fanout; a file error only disables the
// file copy.
// Upstream: main.
// Downstream: openDailyLogFile, newLogDeduper.
func setupLogging(cfg config.LoggingConfig, console io.Writer) (*logFanout, error) {
	fanout := newLogFanout(console, nil)
	fanout.dedupe = newLogDeduper(time.Duration(cfg.DedupeWindowSeconds)*time.Second, defaultLogDedupeMaxKeys)
	if !cfg.Enabled {
		return fanout, nil
	}
	file, err := openDailyLogFile(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return fanout, err
	}
	fanout.file = file
	return fanout, nil
}

// SetConsole redirects the console copy, e.g. into the dashboard's system
// pane while it owns the terminal and back to stdout on shutdown.
func (f *logFanout) SetConsole(w io.Writer) {
	f.mu.Lock()
	f.console = w
	f.mu.Unlock()
}

func (f *logFanout) Write(p []byte) (int, error) {
	f.mu.Lock()
	lines := f.splitLocked(p)
	console, file, dedupe := f.console, f.file, f.dedupe
	f.mu.Unlock()

	if len(lines) == 0 {
		return len(p), nil
	}
	now := f.now()
	stamp := now.UTC().Format(logTimestampLayout)
	for _, line := range lines {
		if dedupe != nil {
			out, ok := dedupe.Process(line)
			if !ok {
				continue
			}
			line = out
		}
		if console != nil {
			_, _ = io.WriteString(console, stamp+" "+line+"\n")
		}
		if file != nil {
			file.WriteLine(line, now)
		}
	}
	return len(p), nil
}

// splitLocked returns the complete lines in pending+p. An unterminated tail
// longer than maxPartialLogLine is flushed as its own line.
func (f *logFanout) splitLocked(p []byte) []string {
	f.pending = append(f.pending, p...)
	var lines []string
	rest := f.pending
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(rest[:idx], "\r")))
		rest = rest[idx+1:]
	}
	if len(rest) > maxPartialLogLine {
		lines = append(lines, string(rest))
		rest = nil
	}
	f.pending = append(f.pending[:0], rest...)
	return lines
}

// WriteFileOnlyLine records periodic stats in the file while the dashboard
// shows them on screen.
func (f *logFanout) WriteFileOnlyLine(line string, now time.Time) {
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	if file != nil {
		file.WriteLine(line, now)
	}
}

func (f *logFanout) Close() error {
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	return file.Close()
}

func logFileName(day time.Time) string {
	return logFilePrefix + day.UTC().Format(logFileDayLayout) + logFileExt
}

func logFileDay(name string) (time.Time, bool) {
	stamp, ok := strings.CutPrefix(name, logFilePrefix)
	if !ok {
		return time.Time{}, false
	}
	stamp, ok = strings.CutSuffix(stamp, logFileExt)
	if !ok {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(logFileDayLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// pruneLogFiles removes session logs whose day falls outside the last
// keepDays days, today included. Other files are left alone.
func pruneLogFiles(dir string, now time.Time, keepDays int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("prune %s: %w", dir, err)
	}
	y, m, d := now.UTC().Date()
	cutoff := time.Date(y, m, d-(keepDays-1), 0, 0, 0, 0, time.UTC)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if day, ok := logFileDay(entry.Name()); ok && day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}

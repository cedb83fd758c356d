package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"phasefeed/ui"
)

const (
	defaultLogDedupeMaxKeys = 512
)

// logDeduper passes at most one failure line per key per window. The next
// line after the window carries the count of lines suppressed meanwhile.
type logDeduper struct {
	mu      sync.Mutex
	window  time.Duration
	maxKeys int
	now     func() time.Time
	entries map[string]logDedupeEntry
}

type logDedupeEntry struct {
	nextEmit   time.Time
	lastSeen   time.Time
	suppressed uint64
}

func newLogDeduper(window time.Duration, maxKeys int) *logDeduper {
	if window <= 0 || maxKeys <= 0 {
		return nil
	}
	return &logDeduper{
		window:  window,
		maxKeys: maxKeys,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]logDedupeEntry, maxKeys),
	}
}

func (d *logDeduper) Process(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	if d == nil {
		return line, true
	}
	key, ok := logDedupeKey(line)
	if !ok {
		return line, true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, found := d.entries[key]
	if !found {
		d.evictOneIfNeededLocked()
		d.entries[key] = logDedupeEntry{
			nextEmit: now.Add(d.window),
			lastSeen: now,
		}
		return line, true
	}
	entry.lastSeen = now
	if now.Before(entry.nextEmit) {
		entry.suppressed++
		d.entries[key] = entry
		return "", false
	}
	suppressed := entry.suppressed
	entry.suppressed = 0
	entry.nextEmit = now.Add(d.window)
	d.entries[key] = entry
	if suppressed > 0 {
		line = fmt.Sprintf("%s (suppressed=%d over %s)", line, suppressed, d.window)
	}
	return line, true
}

func (d *logDeduper) evictOneIfNeededLocked() {
	if d == nil || d.maxKeys <= 0 {
		return
	}
	if len(d.entries) < d.maxKeys {
		return
	}
	var oldestKey string
	var oldestSeen time.Time
	haveOldest := false
	for key, entry := range d.entries {
		if !haveOldest || entry.lastSeen.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = entry.lastSeen
			haveOldest = true
		}
	}
	if haveOldest {
		delete(d.entries, oldestKey)
	}
}

// logDedupeKey identifies failure lines of the form "Component: <subject>
// failed: <detail>" and "Component: dropping <subject>: <detail>". The key
// ignores the detail so varying error text still collapses.
func logDedupeKey(line string) (string, bool) {
	component, rest, ok := strings.Cut(ui.StripColorTags(line), ": ")
	if !ok || component == "" || strings.ContainsAny(component, " \t") {
		return "", false
	}
	component = strings.ToLower(component)
	if strings.HasPrefix(rest, "dropping ") {
		subject, _, _ := strings.Cut(rest, ": ")
		return component + ":" + strings.TrimSpace(subject), true
	}
	if subject, _, found := strings.Cut(rest, " failed: "); found {
		return component + ":" + strings.TrimSpace(subject), true
	}
	return "", false
}

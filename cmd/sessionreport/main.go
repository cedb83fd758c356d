package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"phasefeed/phase"
	"phasefeed/recorder"

	"github.com/dustin/go-humanize"
)

// sessionreport summarizes sessions captured by the phasefeed recorder:
// per-phase dwell time, transitions and connection drops.
func main() {
	var (
		dbPath  = flag.String("db", "data/sessions/phasefeed.db", "recorder sqlite database")
		session = flag.String("session", "", "session ID or prefix (default: all sessions)")
		last    = flag.Int("last", 0, "only report the N most recent sessions (0 = all)")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	reader, err := recorder.OpenReadOnly(ctx, *dbPath)
	if err != nil {
		log.Fatalf("sessionreport: open %s: %v", *dbPath, err)
	}
	defer reader.Close()

	if err := writeReport(ctx, os.Stdout, reader, *session, *last); err != nil {
		log.Fatalf("sessionreport: %v", err)
	}
}

type sessionSource interface {
	Sessions(ctx context.Context) ([]recorder.Session, error)
	Events(ctx context.Context, sessionID string) ([]recorder.Record, error)
	Connections(ctx context.Context, sessionID string) ([]recorder.ConnectionChange, error)
}

func writeReport(ctx context.Context, w io.Writer, src sessionSource, prefix string, last int) error {
	sessions, err := src.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	selected := make([]recorder.Session, 0, len(sessions))
	for _, s := range sessions {
		if prefix == "" || strings.HasPrefix(s.ID, prefix) {
			selected = append(selected, s)
		}
	}
	if last > 0 && len(selected) > last {
		selected = selected[len(selected)-last:]
	}
	if len(selected) == 0 {
		fmt.Fprintln(w, "No sessions recorded.")
		return nil
	}

	for i, s := range selected {
		if i > 0 {
			fmt.Fprintln(w)
		}
		records, err := src.Events(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("events for %s: %w", s.ID, err)
		}
		conns, err := src.Connections(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("connections for %s: %w", s.ID, err)
		}
		writeSession(w, s, recorder.Summarize(records), conns)
	}
	return nil
}

func writeSession(w io.Writer, s recorder.Session, sum recorder.Summary, conns []recorder.ConnectionChange) {
	ended := "open"
	if !s.EndedAt.IsZero() {
		ended = s.EndedAt.UTC().Format(time.RFC3339)
	}
	drops := 0
	for _, c := range conns {
		if !c.Connected {
			drops++
		}
	}
	fmt.Fprintf(w, "Session %s\n", s.ID)
	fmt.Fprintf(w, "  Stream:      %s\n", s.StreamURL)
	fmt.Fprintf(w, "  Started:     %s (ended %s)\n", s.StartedAt.UTC().Format(time.RFC3339), ended)
	fmt.Fprintf(w, "  Events:      %s over %s\n", humanize.Comma(int64(sum.Events)), formatDuration(sum.Span))
	fmt.Fprintf(w, "  Transitions: %d\n", sum.Transitions)
	fmt.Fprintf(w, "  Disconnects: %d\n", drops)
	if len(sum.Phases) == 0 {
		return
	}
	fmt.Fprintln(w, "  Phases:")
	for _, p := range sum.Phases {
		share := 0.0
		if sum.Span > 0 {
			share = float64(p.Duration) / float64(sum.Span) * 100
		}
		fmt.Fprintf(w, "    %-22s %8s %5.1f%%  %d runs, %s events\n",
			phase.DisplayName(p.Phase), formatDuration(p.Duration), share, p.Runs, humanize.Comma(int64(p.Events)))
	}
}

// formatDuration renders d as MM:SS, or H:MM:SS past the hour.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d >= time.Hour {
		h := d / time.Hour
		m := (d % time.Hour) / time.Minute
		s := (d % time.Minute) / time.Second
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return phase.FormatElapsed(d.Seconds())
}

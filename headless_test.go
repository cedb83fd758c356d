package main

import (
	"fmt"
	"strings"
	"testing"

	"phasefeed/phase"
	"phasefeed/stream"
)

func newCapturingReporter() (*headlessReporter, *[]string) {
	r := newHeadlessReporter(nil)
	var lines []string
	r.logf = func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}
	return r, &lines
}

func TestHeadlessLogsPhaseTransitionsOnly(t *testing.T) {
	r, lines := newCapturingReporter()
	l := r.Listener()

	conf := []float64{1, 2, 3, 90, 2, 2}
	l.OnPhaseUpdate(phase.Event{Phase: "marking", Confidences: conf, ElapsedTimeSec: 10}, nil)
	l.OnPhaseUpdate(phase.Event{Phase: "marking", Confidences: conf, ElapsedTimeSec: 11}, nil)
	l.OnPhaseUpdate(phase.Event{Phase: "Circumcision", Confidences: []float64{0, 80}, ElapsedTimeSec: 70}, nil)

	if len(*lines) != 2 {
		t.Fatalf("expected 2 transition lines, got %q", *lines)
	}
	if (*lines)[0] != "Phase: Marking (90.0%) at 00:10" {
		t.Fatalf("unexpected first line %q", (*lines)[0])
	}
	if (*lines)[1] != "Phase: Marking -> Circumcision (80.0%) at 01:10 after 01:00" {
		t.Fatalf("unexpected transition line %q", (*lines)[1])
	}

	l.OnConnectionChange(false)
	l.OnPhaseUpdate(phase.Event{Phase: "circumcision", ElapsedTimeSec: 80}, nil)
	if len(*lines) != 3 || !strings.HasPrefix((*lines)[2], "Phase: Circumcision (") {
		t.Fatalf("expected phase to be re-announced after reconnect, got %q", *lines)
	}
}

func TestHeadlessLogsStatusAndFailure(t *testing.T) {
	r, lines := newCapturingReporter()
	l := r.Listener()

	sl := l.(stream.StatusListener)
	sl.OnStatus(stream.Status{Kind: stream.StatusHello, FPS: 30, WebcamMode: true})
	sl.OnStatus(stream.Status{Kind: stream.StatusUpdate})
	sl.OnStatus(stream.Status{Kind: stream.StatusServerError, Message: "camera lost"})
	l.(stream.StateListener).OnStateChange(stream.StateReconnecting)
	l.(stream.StateListener).OnStateChange(stream.StateFailed)

	want := []string{
		"Backend: stream ready (source=webcam, 30 fps)",
		"Backend: server error: camera lost",
		"Stream: gave up reconnecting; restart or reconnect manually",
	}
	if strings.Join(*lines, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected lines %q", *lines)
	}
}

func TestHeadlessStatsAndStop(t *testing.T) {
	r, lines := newCapturingReporter()
	var out strings.Builder
	r.out = &out

	r.SetStats([]string{"Frames: 10", "Phases (0)"})
	r.AppendSystem("Stream: connected")
	if len(*lines) != 2 || out.String() != "Stream: connected\n" {
		t.Fatalf("unexpected output lines=%q out=%q", *lines, out.String())
	}
	r.Stop()
	r.Stop()
	select {
	case <-r.Done():
	default:
		t.Fatalf("expected Done to close on Stop")
	}
}

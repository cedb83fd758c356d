package main

import (
	"fmt"
	"strings"
	"testing"

	"phasefeed/config"
	"phasefeed/phase"
	"phasefeed/stream"
)

func newTestANSIConsole(color bool) (*ansiConsole, *strings.Builder) {
	cfg := config.Default().UI
	cfg.RefreshMS = 0
	cfg.Color = color
	cfg.ClearScreen = false
	cfg.LogLines = 3
	var out strings.Builder
	return newANSIConsole(cfg, phase.DefaultCatalog(), &out), &out
}

func TestApplyANSIMarkup(t *testing.T) {
	if got := applyANSIMarkup("[red]X[-]", true); got != "\x1b[31mX\x1b[0m\x1b[0m" {
		t.Fatalf("named color: %q", got)
	}
	if got := applyANSIMarkup("[#AB47BC]█[-]", true); got != "\x1b[38;2;171;71;188m█\x1b[0m\x1b[0m" {
		t.Fatalf("hex color: %q", got)
	}
	if got := applyANSIMarkup("[#AB47BC]█[-] ok", false); got != "█ ok" {
		t.Fatalf("strip: %q", got)
	}
	if got := applyANSIMarkup("see [docs] here", true); got != "see [docs] here" {
		t.Fatalf("unknown tag should pass through: %q", got)
	}
}

func TestSnapshotPaneKeepsRingOrder(t *testing.T) {
	c := &ansiConsole{system: ringPane{lines: make([]string, 3)}}
	for i := 1; i <= 5; i++ {
		c.AppendSystem(fmt.Sprintf("L%d", i))
	}
	got := snapshotPane(&c.system, make([]string, 3))
	if strings.Join(got, ",") != "L3,L4,L5" {
		t.Fatalf("unexpected snapshot %v", got)
	}
	if got := snapshotPane(&ringPane{lines: make([]string, 2)}, make([]string, 2)); len(got) != 0 {
		t.Fatalf("expected empty snapshot, got %v", got)
	}
}

func TestANSIConsoleRendersFrame(t *testing.T) {
	c, out := newTestANSIConsole(false)
	defer c.Stop()
	l := c.Listener()

	c.render()
	if !strings.Contains(out.String(), "Waiting for classifications...") {
		t.Fatalf("expected waiting line:\n%s", out.String())
	}

	l.OnConnectionChange(true)
	l.(stream.StateListener).OnStateChange(stream.StateConnected)
	l.(stream.StatusListener).OnStatus(stream.Status{Kind: stream.StatusHello, WebcamMode: true})
	ev := phase.Event{Phase: "marking", Confidences: []float64{1, 2, 3, 91.5, 1, 1.5}, ElapsedTimeSec: 75, InferenceTimeMs: 21}
	l.OnPhaseUpdate(ev, []phase.Event{ev})
	c.SetStats([]string{"Frames: 10"})
	fmt.Fprintln(c.SystemWriter(), "Stream: connected")

	out.Reset()
	c.render()
	text := out.String()
	for _, want := range []string{
		"Phase Feed  connected  (connected)",
		"Source: webcam  paused=false",
		"Phase: Marking  91.5%  elapsed 01:15  inference 21.0 ms",
		"Frames: 10",
		"---- System ----\nStream: connected\n",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("frame missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "\x1b[") {
		t.Fatalf("expected no escapes with color disabled:\n%q", text)
	}
}

func TestANSIConsoleStopClosesDone(t *testing.T) {
	c, _ := newTestANSIConsole(true)
	c.Stop()
	c.Stop()
	select {
	case <-c.Done():
	default:
		t.Fatalf("expected Done to close on Stop")
	}
	if !ownsConsole(c) || ownsConsole(newHeadlessReporter(nil)) {
		t.Fatalf("unexpected console ownership")
	}
}

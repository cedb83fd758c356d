package main

import (
	"io"
	"log"
	"os"
	"sync"

	"phasefeed/phase"
	"phasefeed/stream"
)

// headlessReporter is the console surface used without a TTY. It logs phase
// transitions, backend status and terminal state changes, and prints the
// periodic stats lines. Connection open/close lines come from the stream
// client itself.
type headlessReporter struct {
	catalog *phase.Catalog
	logf    func(format string, args ...any)
	out     io.Writer

	// Touched only from stream listener callbacks.
	lastPhase string
	lastStart float64

	done     chan struct{}
	stopOnce sync.Once
}

func newHeadlessReporter(catalog *phase.Catalog) *headlessReporter {
	if catalog == nil {
		catalog = phase.DefaultCatalog()
	}
	return &headlessReporter{
		catalog: catalog,
		logf:    log.Printf,
		out:     os.Stdout,
		done:    make(chan struct{}),
	}
}

func (r *headlessReporter) Listener() stream.Listener {
	return stream.Callbacks{
		PhaseUpdate:      func(ev phase.Event, _ []phase.Event) { r.onPhase(ev) },
		ConnectionChange: r.onConnection,
		Status:           r.onStatus,
		StateChange:      r.onState,
	}
}

func (r *headlessReporter) onPhase(ev phase.Event) {
	name := ev.Phase
	if resolved, ok := r.catalog.Resolve(name); ok {
		name = resolved
	}
	if name == r.lastPhase {
		return
	}
	idx := r.catalog.Index(name)
	if r.lastPhase == "" {
		r.logf("Phase: %s (%.1f%%) at %s", phase.DisplayName(name), ev.ConfidenceAt(idx), phase.FormatElapsed(ev.ElapsedTimeSec))
	} else {
		r.logf("Phase: %s -> %s (%.1f%%) at %s after %s",
			phase.DisplayName(r.lastPhase), phase.DisplayName(name), ev.ConfidenceAt(idx),
			phase.FormatElapsed(ev.ElapsedTimeSec), phase.FormatElapsed(ev.ElapsedTimeSec-r.lastStart))
	}
	r.lastPhase = name
	r.lastStart = ev.ElapsedTimeSec
}

func (r *headlessReporter) onConnection(connected bool) {
	if !connected {
		r.lastPhase = ""
	}
}

func (r *headlessReporter) onStatus(st stream.Status) {
	switch st.Kind {
	case stream.StatusHello:
		source := "backend"
		if st.WebcamMode {
			source = "webcam"
		}
		r.logf("Backend: stream ready (source=%s, %.0f fps)", source, st.FPS)
	case stream.StatusServerError:
		r.logf("Backend: server error: %s", st.Message)
	case stream.StatusCommandAck:
		r.logf("Backend: %s acknowledged (paused=%v webcam=%v)", st.Command, st.Paused, st.WebcamMode)
	}
}

func (r *headlessReporter) onState(state stream.State) {
	if state == stream.StateFailed {
		r.logf("Stream: gave up reconnecting; restart or reconnect manually")
	}
}

func (r *headlessReporter) WaitReady() {}

func (r *headlessReporter) Done() <-chan struct{} { return r.done }

func (r *headlessReporter) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *headlessReporter) SetStats(lines []string) {
	for _, line := range lines {
		r.logf("%s", line)
	}
}

func (r *headlessReporter) AppendSystem(line string) {
	io.WriteString(r.out, line+"\n")
}

func (r *headlessReporter) SystemWriter() io.Writer {
	return r.out
}

package ui

import (
	"io"

	"phasefeed/stream"
)

// Surface abstracts the console front end so the tview dashboard and the
// headless reporter plug into main the same way. Implementations must be
// safe for concurrent calls from the stream loop and the stats ticker.
type Surface interface {
	// Listener is registered with the stream client.
	Listener() stream.Listener
	WaitReady()
	// Done is closed when the user asked to quit.
	Done() <-chan struct{}
	Stop()
	SetStats(lines []string)
	AppendSystem(line string)
	SystemWriter() io.Writer
}

package stream

import "phasefeed/phase"

// Listener receives the client's events. All methods are invoked from the
// client's event-loop goroutine, in message arrival order, and each at most
// once per inbound message. Implementations must not block for long.
type Listener interface {
	// OnVideoUpdate receives the decoded bytes of an encoded frame.
	OnVideoUpdate(frame []byte)
	// OnPhaseUpdate receives the new classification and a snapshot of the
	// history that already includes it.
	OnPhaseUpdate(ev phase.Event, history []phase.Event)
	// OnConnectionChange reports the connection opening (true) or closing (false).
	OnConnectionChange(connected bool)
	// OnError reports dial, transport and decoding failures. None are fatal.
	OnError(err error)
}

// StatusListener is implemented by listeners that want the backend's status,
// error and command acknowledgement messages.
type StatusListener interface {
	OnStatus(status Status)
}

// StateListener is implemented by listeners that want every state transition,
// including Reconnecting and Failed which OnConnectionChange does not convey.
type StateListener interface {
	OnStateChange(state State)
}

// Callbacks adapts plain functions to Listener, StatusListener and
// StateListener. Nil fields are no-ops.
type Callbacks struct {
	VideoUpdate      func(frame []byte)
	PhaseUpdate      func(ev phase.Event, history []phase.Event)
	ConnectionChange func(connected bool)
	Error            func(err error)
	Status           func(status Status)
	StateChange      func(state State)
}

func (c Callbacks) OnVideoUpdate(frame []byte) {
	if c.VideoUpdate != nil {
		c.VideoUpdate(frame)
	}
}

func (c Callbacks) OnPhaseUpdate(ev phase.Event, history []phase.Event) {
	if c.PhaseUpdate != nil {
		c.PhaseUpdate(ev, history)
	}
}

func (c Callbacks) OnConnectionChange(connected bool) {
	if c.ConnectionChange != nil {
		c.ConnectionChange(connected)
	}
}

func (c Callbacks) OnError(err error) {
	if c.Error != nil {
		c.Error(err)
	}
}

func (c Callbacks) OnStatus(status Status) {
	if c.Status != nil {
		c.Status(status)
	}
}

func (c Callbacks) OnStateChange(state State) {
	if c.StateChange != nil {
		c.StateChange(state)
	}
}

// Multi fans every event out to each listener in order. Status and state
// events reach only the listeners that implement the matching interface.
// Nil listeners are skipped.
func Multi(listeners ...Listener) Listener {
	out := make(multiListener, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

type multiListener []Listener

func (m multiListener) OnVideoUpdate(frame []byte) {
	for _, l := range m {
		l.OnVideoUpdate(frame)
	}
}

func (m multiListener) OnPhaseUpdate(ev phase.Event, history []phase.Event) {
	for _, l := range m {
		l.OnPhaseUpdate(ev, history)
	}
}

func (m multiListener) OnConnectionChange(connected bool) {
	for _, l := range m {
		l.OnConnectionChange(connected)
	}
}

func (m multiListener) OnError(err error) {
	for _, l := range m {
		l.OnError(err)
	}
}

func (m multiListener) OnStatus(status Status) {
	for _, l := range m {
		if sl, ok := l.(StatusListener); ok {
			sl.OnStatus(status)
		}
	}
}

func (m multiListener) OnStateChange(state State) {
	for _, l := range m {
		if sl, ok := l.(StateListener); ok {
			sl.OnStateChange(state)
		}
	}
}

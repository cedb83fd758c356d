package stream

import "errors"

// Errors delivered to Listener.OnError wrap one of these sentinels so callers
// can tell the failure classes apart with errors.Is.
var (
	// ErrDial reports a connection attempt that never opened.
	ErrDial = errors.New("stream: dial failed")
	// ErrTransport reports a read failure on an open connection other than a
	// normal close. The close that follows drives the state change.
	ErrTransport = errors.New("stream: transport error")
	// ErrMalformedMessage reports an inbound message that could not be decoded.
	// The message is dropped and the connection stays open.
	ErrMalformedMessage = errors.New("stream: malformed message")
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("stream: not connected")
	// ErrClosed is returned by Send after Stop.
	ErrClosed = errors.New("stream: client stopped")
	// ErrUnknownCommand is returned by Send for commands the backend does not accept.
	ErrUnknownCommand = errors.New("stream: unknown command")
)

package stream

// State is the connection lifecycle state of a Client.
type State int

const (
	StateDisconnected State = iota // No connection and no retry pending
	StateConnecting                // Dial in progress
	StateConnected                 // Connection open, messages flowing
	StateReconnecting              // Retry timer pending after a close or failed dial
	StateFailed                    // Retry budget exhausted; waits for an explicit Connect
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

package session

import "time"

// State is a device session's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribing
	Streaming
	Backoff
	// Failed is terminal: the identity is invalid and the session never
	// connects.
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case Backoff:
		return "backoff"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON health snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transition is delivered to the OnTransition observer for every state
// change, in order.
type Transition struct {
	From, To State
	At       time.Time
	// Attempt is the consecutive failure count when To is Backoff.
	Attempt int
	// Until is when the backoff ends when To is Backoff.
	Until time.Time
	// Err is the failure that caused a move to Disconnected or Failed.
	Err error
}

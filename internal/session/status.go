package session

// State is the lifecycle state of a session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is the observable activity of a session, derived from the lifecycle
// state, the voice-activity gate, playback activity, and in-flight tool
// calls. It is never settable independently.
type Status int

const (
	// StatusIdle means the session is open with nothing happening.
	StatusIdle Status = iota

	// StatusConnecting means the session is acquiring capture or waiting on
	// the channel handshake.
	StatusConnecting

	// StatusListening means the user is speaking and audio is being
	// forwarded uplink.
	StatusListening

	// StatusSpeaking means response audio is scheduled or settling.
	StatusSpeaking

	// StatusExecuting means at least one tool call is in flight.
	StatusExecuting
)

// String returns the human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusListening:
		return "listening"
	case StatusSpeaking:
		return "speaking"
	case StatusExecuting:
		return "executing"
	default:
		return "unknown"
	}
}

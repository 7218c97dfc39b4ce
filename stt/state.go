package stt

import "time"

// State is the status of the connection to the speech provider.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Cause explains why a transition happened.
type Cause string

const (
	CauseConnect       Cause = "connect"
	CauseOpened        Cause = "opened"
	CauseConnectFailed Cause = "connect_failed"
	CauseStreamError   Cause = "stream_error"
	CauseRecovered     Cause = "recovered"
	CauseRemoteClose   Cause = "remote_close"
	CauseReconnected   Cause = "reconnected"
	CauseStopRequested Cause = "stop_requested"
)

// Transition is a single state change. Closing transitions carry the
// provider's close code and reason.
type Transition struct {
	From   State
	To     State
	Cause  Cause
	Code   int
	Reason string
	At     time.Time
}

var allowed = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateOpen, StateClosed},
	StateOpen:       {StateDegraded, StateClosed},
	StateDegraded:   {StateOpen, StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

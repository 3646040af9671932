package peer

import "time"

// Kind enumerates the states a Peer's connection lifecycle can be in. It is
// deliberately a small closed set with a String() method rather than a
// free-form status string.
type Kind int

const (
	StateNew Kind = iota
	StateConnecting
	StateConnected
	StateQuerying
	StateQueried
	StatePassive
	StateFailed
	StateIgnored
)

func (k Kind) String() string {
	switch k {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateQuerying:
		return "querying"
	case StateQueried:
		return "queried"
	case StatePassive:
		return "passive"
	case StateFailed:
		return "failed"
	case StateIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// State is a point-in-time snapshot of a Peer's lifecycle state. Since marks
// when the state was entered (used by advance() to compute retry deadlines);
// Reason carries the human-readable cause for failed and ignored states.
type State struct {
	Kind   Kind
	Since  time.Time
	Reason string
}

func newState(kind Kind, since time.Time) State {
	return State{Kind: kind, Since: since}
}

func failedState(since time.Time, reason string) State {
	return State{Kind: StateFailed, Since: since, Reason: reason}
}

func ignoredState(reason string) State {
	return State{Kind: StateIgnored, Reason: reason}
}

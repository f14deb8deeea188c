package cloud

// Phase describes how far a session has progressed. Phases only move
// forward, and Closed is absorbing: once a session is closed no event
// may mutate it again.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseResolving
	PhaseConnecting
	PhaseSending
	PhaseReceiving
	PhaseCompleted
	PhaseTimedOut
	PhaseFailed
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseResolving:
		return "resolving"
	case PhaseConnecting:
		return "connecting"
	case PhaseSending:
		return "sending"
	case PhaseReceiving:
		return "receiving"
	case PhaseCompleted:
		return "completed"
	case PhaseTimedOut:
		return "timed_out"
	case PhaseFailed:
		return "failed"
	case PhaseClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Terminal reports whether no further transport events are expected.
func (p Phase) Terminal() bool {
	return p >= PhaseCompleted
}

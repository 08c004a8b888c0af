package client

// Phase identifies one round of the two-phase suspend handshake.
type Phase int

const (
	// PhaseSuspendRequest is the first handshake round, announced with the
	// suspendRequest signal.
	PhaseSuspendRequest Phase = iota
	// PhasePrepareSuspend is the second handshake round, announced with the
	// prepareSuspend signal.
	PhasePrepareSuspend

	numPhases
)

func (p Phase) String() string {
	switch p {
	case PhaseSuspendRequest:
		return "suspend_request"
	case PhasePrepareSuspend:
		return "prepare_suspend"
	default:
		return "unknown"
	}
}

// Valid reports whether p names a real phase.
func (p Phase) Valid() bool {
	return p >= 0 && p < numPhases
}

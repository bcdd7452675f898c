package tracking

import "strings"

// Phase represents the lifecycle stage of a long-running operation as
// observed by the client. Phases form a partial order:
//
//	Pending < Running < {Completed, Failed}
//
// Completed and Failed are mutually exclusive terminal phases; once an
// operation's authoritative state reaches either, no further phase changes
// are permitted.
type Phase string

const (
	// PhasePending indicates the server has accepted the operation but has
	// not started executing it.
	PhasePending Phase = "PENDING"

	// PhaseRunning indicates the operation is actively executing.
	PhaseRunning Phase = "RUNNING"

	// PhaseCompleted indicates the operation finished successfully.
	PhaseCompleted Phase = "COMPLETED"

	// PhaseFailed indicates the operation finished unsuccessfully, was
	// reported unreachable, or was cancelled by the client.
	PhaseFailed Phase = "FAILED"
)

func (p Phase) String() string { return string(p) }

// IsTerminal reports whether the phase admits no further transitions.
func (p Phase) IsTerminal() bool { return p == PhaseCompleted || p == PhaseFailed }

// rank orders phases for non-terminal merging. Terminal phases share the top
// rank since they are adopted through the one-way terminal transition, never
// compared against each other.
func (p Phase) rank() int {
	switch p {
	case PhasePending:
		return 1
	case PhaseRunning:
		return 2
	case PhaseCompleted, PhaseFailed:
		return 3
	default:
		return 0
	}
}

// Max returns the greater of two phases under the partial order. Running
// dominates Pending; a terminal phase dominates everything. When both
// arguments are terminal the receiver wins, preserving whichever terminal
// phase was adopted first.
func (p Phase) Max(other Phase) Phase {
	if other.rank() > p.rank() {
		return other
	}
	return p
}

// ParsePhase converts a server-reported status string to a Phase. Matching is
// case-insensitive. Unknown strings map to the zero Phase.
func ParsePhase(s string) Phase {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING", "QUEUED":
		return PhasePending
	case "RUNNING", "IN_PROGRESS":
		return PhaseRunning
	case "COMPLETED", "SUCCESS":
		return PhaseCompleted
	case "FAILED", "ERROR":
		return PhaseFailed
	default:
		return ""
	}
}

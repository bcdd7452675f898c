package tracker

import (
	apptracking "github.com/datalens/opwatch/internal/app/tracking"
	"github.com/datalens/opwatch/internal/domain/tracking"
)

// Handle is a caller's view of one tracked operation. Multiple handles for
// the same job share the same underlying tracker.
type Handle struct {
	tracker *apptracking.OperationTracker
}

// JobID returns the tracked job's identifier.
func (h *Handle) JobID() tracking.JobID { return h.tracker.JobID() }

// State returns the current authoritative state.
func (h *Handle) State() tracking.OperationState { return h.tracker.State() }

// Subscribe registers fn for every authoritative state change. It is
// invoked immediately with the current state, so late subscribers see the
// final state of an already-finished operation. The returned function
// removes the subscription; calling it more than once is harmless.
//
// Callbacks run on the tracker's delivery path and must not call back into
// the handle synchronously.
func (h *Handle) Subscribe(fn func(tracking.OperationState)) (unsubscribe func()) {
	return h.tracker.Subscribe(fn)
}

// Cancel stops observation and freezes the state as cancelled. It has no
// effect on an already-terminal operation.
func (h *Handle) Cancel(reason string) { h.tracker.Cancel(reason) }

// Done reports whether the operation reached a terminal phase.
func (h *Handle) Done() bool { return h.tracker.Status() == apptracking.TrackerStatusTerminal }

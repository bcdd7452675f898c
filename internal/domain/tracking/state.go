package tracking

import (
	"encoding/json"
	"math"
	"time"
)

// progressGranularity is the resolution at which two progress values are
// considered observably different. Subscribers render percentages; changes
// below a hundredth of a percent are not worth a notification.
const progressGranularity = 1e-4

// OperationState is the authoritative, monotonically-advancing view of one
// operation, produced by folding snapshots from every active channel.
//
// Values are copy-on-write: Apply and Cancel return a new OperationState
// rather than mutating the receiver, so a subscriber holding a previous value
// never observes a partial update.
type OperationState struct {
	jobID       JobID
	phase       Phase
	progress    float64
	message     string
	result      json.RawMessage
	failure     *FailureDetail
	startedAt   time.Time
	completedAt time.Time
	lastUpdated time.Time
}

// NewOperationState creates the initial authoritative state for a freshly
// tracked operation: Pending with zero progress.
func NewOperationState(jobID JobID, createdAt time.Time) OperationState {
	return OperationState{
		jobID:       jobID,
		phase:       PhasePending,
		lastUpdated: createdAt,
	}
}

// JobID returns the identifier of the tracked operation.
func (st OperationState) JobID() JobID { return st.jobID }

// Phase returns the merged lifecycle phase.
func (st OperationState) Phase() Phase { return st.phase }

// Progress returns the high-water completion fraction across all channels.
func (st OperationState) Progress() float64 { return st.progress }

// Message returns the step description from the freshest accepted snapshot.
func (st OperationState) Message() string { return st.message }

// Result returns the completion payload, set once when the terminal
// Completed snapshot is adopted.
func (st OperationState) Result() json.RawMessage { return st.result }

// Failure returns the terminal failure detail, if the operation failed.
func (st OperationState) Failure() *FailureDetail { return st.failure }

// StartedAt returns when the operation was first observed running.
func (st OperationState) StartedAt() time.Time { return st.startedAt }

// CompletedAt returns when the operation reached a terminal phase.
func (st OperationState) CompletedAt() time.Time { return st.completedAt }

// LastUpdated returns the observation time of the freshest accepted snapshot.
func (st OperationState) LastUpdated() time.Time { return st.lastUpdated }

// IsTerminal reports whether the state is frozen.
func (st OperationState) IsTerminal() bool { return st.phase.IsTerminal() }

// Apply folds one snapshot into the authoritative state and returns the
// resulting state along with whether the change is observable to
// subscribers.
//
// The fold is commutative and idempotent across channel interleavings:
//
//   - A terminal state discards every subsequent snapshot, so a late poll
//     response cannot "un-complete" the operation.
//   - A terminal snapshot is adopted as a one-way transition.
//   - Non-terminal snapshots merge by maximum: progress never regresses even
//     when a slower channel reports a stale lower number, and Running
//     dominates Pending.
//   - The message tracks whichever channel is freshest; unlike progress it is
//     informational, so last-writer-wins by observation time is acceptable.
func (st OperationState) Apply(s Snapshot) (OperationState, bool) {
	if st.phase.IsTerminal() {
		return st, false
	}

	if s.Phase().IsTerminal() {
		next := st
		next.phase = s.Phase()
		next.progress = 1.0
		next.result = s.Result()
		next.failure = s.Failure()
		if s.Phase() == PhaseFailed && next.failure == nil {
			next.failure = NewJobFailure(s.Message(), nil)
		}
		if s.Message() != "" {
			next.message = s.Message()
		}
		next.completedAt = s.ObservedAt()
		if next.startedAt.IsZero() {
			next.startedAt = s.ObservedAt()
		}
		next.lastUpdated = laterOf(st.lastUpdated, s.ObservedAt())
		return next, true
	}

	next := st
	if s.Progress() > next.progress {
		next.progress = s.Progress()
	}
	next.phase = next.phase.Max(s.Phase())
	if next.startedAt.IsZero() && next.phase == PhaseRunning {
		next.startedAt = s.ObservedAt()
	}
	if !s.ObservedAt().Before(st.lastUpdated) && s.Message() != "" {
		next.message = s.Message()
	}
	next.lastUpdated = laterOf(st.lastUpdated, s.ObservedAt())

	return next, st.observablyDiffers(next)
}

// Cancel transitions the state to Failed with a cancellation detail. Unlike
// a folded terminal snapshot it preserves the current progress, since the
// operation did not finish. It reports false when the state was already
// terminal, making repeated cancellation a no-op.
func (st OperationState) Cancel(reason string, at time.Time) (OperationState, bool) {
	if st.phase.IsTerminal() {
		return st, false
	}

	next := st
	next.phase = PhaseFailed
	next.failure = NewCancellation(reason)
	next.completedAt = at
	next.lastUpdated = laterOf(st.lastUpdated, at)
	return next, true
}

// observablyDiffers reports whether a subscriber could tell the two states
// apart: phase, progress at rendering granularity, or message changed. This
// is the de-duplication contract that keeps two channels reporting identical
// progress from double-firing UI updates.
func (st OperationState) observablyDiffers(next OperationState) bool {
	if st.phase != next.phase || st.message != next.message {
		return true
	}
	return math.Round(st.progress/progressGranularity) != math.Round(next.progress/progressGranularity)
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

package tracking

import (
	"encoding/json"
	"time"
)

// JobID identifies one server-side operation instance. It is opaque to the
// engine; the server issues it and the client only keys trackers by it.
type JobID string

func (id JobID) String() string { return string(id) }

// SourceChannel identifies which adapter produced a snapshot. Sequence
// numbers are only comparable between snapshots from the same channel.
type SourceChannel string

const (
	// SourcePoll marks snapshots produced by the status-polling adapter.
	SourcePoll SourceChannel = "poll"

	// SourcePush marks snapshots produced by the push-stream adapter.
	SourcePush SourceChannel = "push"

	// SourceLocal marks snapshots synthesized by the engine itself, such as
	// cancellations and transport-failure conversions.
	SourceLocal SourceChannel = "local"
)

// Snapshot is one observation of an operation's status from one channel at
// one point in time. Snapshots are immutable; adapters construct them and the
// reconciler folds them into the authoritative state.
type Snapshot struct {
	jobID      JobID
	source     SourceChannel
	phase      Phase
	progress   float64
	message    string
	sequence   uint64
	observedAt time.Time
	result     json.RawMessage
	failure    *FailureDetail
}

// SnapshotOption configures optional snapshot fields at construction time.
type SnapshotOption func(*Snapshot)

// WithMessage attaches a human-readable description of the current step.
func WithMessage(msg string) SnapshotOption {
	return func(s *Snapshot) { s.message = msg }
}

// WithResult attaches the operation's result payload. Only meaningful when
// the snapshot's phase is Completed.
func WithResult(result json.RawMessage) SnapshotOption {
	return func(s *Snapshot) { s.result = result }
}

// WithFailure attaches failure detail. Only meaningful when the snapshot's
// phase is Failed.
func WithFailure(f *FailureDetail) SnapshotOption {
	return func(s *Snapshot) { s.failure = f }
}

// NewSnapshot constructs an immutable status observation. Progress is clamped
// to [0, 1]. The sequence number must increase monotonically within the
// emitting channel for the lifetime of the job.
func NewSnapshot(
	jobID JobID,
	source SourceChannel,
	phase Phase,
	progress float64,
	sequence uint64,
	observedAt time.Time,
	opts ...SnapshotOption,
) Snapshot {
	s := Snapshot{
		jobID:      jobID,
		source:     source,
		phase:      phase,
		progress:   clampProgress(progress),
		sequence:   sequence,
		observedAt: observedAt,
	}

	for _, opt := range opts {
		opt(&s)
	}

	return s
}

// JobID returns the identifier of the observed operation.
func (s Snapshot) JobID() JobID { return s.jobID }

// Source returns the channel that produced this observation.
func (s Snapshot) Source() SourceChannel { return s.source }

// Phase returns the observed lifecycle phase.
func (s Snapshot) Phase() Phase { return s.phase }

// Progress returns the observed completion fraction in [0, 1].
func (s Snapshot) Progress() float64 { return s.progress }

// Message returns the human-readable description of the current step, if any.
func (s Snapshot) Message() string { return s.message }

// Sequence returns the channel-scoped emission ordinal.
func (s Snapshot) Sequence() uint64 { return s.sequence }

// ObservedAt returns the time the observation was made.
func (s Snapshot) ObservedAt() time.Time { return s.observedAt }

// Result returns the result payload carried by a Completed observation.
func (s Snapshot) Result() json.RawMessage { return s.result }

// Failure returns the failure detail carried by a Failed observation.
func (s Snapshot) Failure() *FailureDetail { return s.failure }

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

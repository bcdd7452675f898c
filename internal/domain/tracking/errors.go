package tracking

import (
	"errors"
	"fmt"
)

// ErrUnknownJob indicates no tracker exists for the requested job.
var ErrUnknownJob = errors.New("unknown job")

// ErrTrackerTerminal indicates an operation was attempted against a tracker
// whose authoritative state is already frozen.
var ErrTrackerTerminal = errors.New("tracker is terminal")

// OutOfOrderSnapshotError indicates a snapshot's channel-scoped sequence
// number did not advance past the last one folded from the same channel. Such
// snapshots are stale duplicates or reordered deliveries and are dropped.
type OutOfOrderSnapshotError struct {
	jobID   JobID
	source  SourceChannel
	seq     uint64
	lastSeq uint64
}

// NewOutOfOrderSnapshotError creates a new OutOfOrderSnapshotError.
func NewOutOfOrderSnapshotError(jobID JobID, source SourceChannel, seq, lastSeq uint64) *OutOfOrderSnapshotError {
	return &OutOfOrderSnapshotError{jobID: jobID, source: source, seq: seq, lastSeq: lastSeq}
}

// Error returns a string representation of the error.
func (e *OutOfOrderSnapshotError) Error() string {
	return fmt.Sprintf("out of order snapshot for job %s on channel %s: sequence %d is not greater than %d",
		e.jobID, e.source, e.seq, e.lastSeq)
}

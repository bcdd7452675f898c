package tracking

import (
	"time"

	"github.com/datalens/opwatch/internal/domain/events"
)

// Event types published on the registry bus:
const (
	EventTypeOperationUpdated   events.EventType = "OperationUpdated"
	EventTypeOperationCompleted events.EventType = "OperationCompleted"
	EventTypeOperationFailed    events.EventType = "OperationFailed"
)

// OperationUpdatedEvent is published on every observable change to an
// operation's authoritative state, terminal transitions included.
type OperationUpdatedEvent struct {
	occurredAt time.Time
	State      OperationState
}

// NewOperationUpdatedEvent creates a new operation updated event.
func NewOperationUpdatedEvent(state OperationState) OperationUpdatedEvent {
	return OperationUpdatedEvent{occurredAt: time.Now(), State: state}
}

func (e OperationUpdatedEvent) EventType() events.EventType { return EventTypeOperationUpdated }
func (e OperationUpdatedEvent) OccurredAt() time.Time       { return e.occurredAt }
func (e OperationUpdatedEvent) JobID() JobID                { return e.State.JobID() }

// OperationCompletedEvent signals an operation reached the Completed phase.
type OperationCompletedEvent struct {
	occurredAt time.Time
	State      OperationState
}

// NewOperationCompletedEvent creates a new operation completed event.
func NewOperationCompletedEvent(state OperationState) OperationCompletedEvent {
	return OperationCompletedEvent{occurredAt: time.Now(), State: state}
}

func (e OperationCompletedEvent) EventType() events.EventType { return EventTypeOperationCompleted }
func (e OperationCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }
func (e OperationCompletedEvent) JobID() JobID                { return e.State.JobID() }

// OperationFailedEvent signals an operation reached the Failed phase,
// whether job-reported, transport-induced, or cancelled.
type OperationFailedEvent struct {
	occurredAt time.Time
	State      OperationState
}

// NewOperationFailedEvent creates a new operation failed event.
func NewOperationFailedEvent(state OperationState) OperationFailedEvent {
	return OperationFailedEvent{occurredAt: time.Now(), State: state}
}

func (e OperationFailedEvent) EventType() events.EventType { return EventTypeOperationFailed }
func (e OperationFailedEvent) OccurredAt() time.Time       { return e.occurredAt }
func (e OperationFailedEvent) JobID() JobID                { return e.State.JobID() }

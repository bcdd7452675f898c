package tracking

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/datalens/opwatch/internal/domain/tracking"
	"github.com/datalens/opwatch/pkg/common/logger"
)

// Discard reasons recorded on the snapshots-discarded metric.
const (
	discardReasonTerminal   = "terminal_state"
	discardReasonOutOfOrder = "out_of_order"
)

// Reconciler merges snapshots from every active channel into one
// authoritative view of an operation. It owns the per-channel sequence
// high-water marks and delegates the merge itself to the domain fold, so the
// ordering rules live in exactly one place.
//
// Callers must serialize Fold invocations for a given job; the tracker's
// ingest path guarantees that.
type Reconciler struct {
	state   tracking.OperationState
	lastSeq map[tracking.SourceChannel]uint64

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics TrackerMetrics
}

// NewReconciler creates a Reconciler with the initial Pending state for the
// given job.
func NewReconciler(
	jobID tracking.JobID,
	createdAt time.Time,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics TrackerMetrics,
) *Reconciler {
	return &Reconciler{
		state:   tracking.NewOperationState(jobID, createdAt),
		lastSeq: make(map[tracking.SourceChannel]uint64),
		logger:  logger.With("component", "reconciler", "job_id", string(jobID)),
		tracer:  tracer,
		metrics: metrics,
	}
}

// State returns the current authoritative state.
func (r *Reconciler) State() tracking.OperationState { return r.state }

// Fold merges one snapshot into the authoritative state. It returns the
// resulting state and whether subscribers must be notified. A snapshot whose
// channel-scoped sequence does not advance is rejected with
// OutOfOrderSnapshotError; a snapshot arriving after the state froze is
// silently discarded.
func (r *Reconciler) Fold(ctx context.Context, s tracking.Snapshot) (tracking.OperationState, bool, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.fold",
		trace.WithAttributes(
			attribute.String("job_id", string(s.JobID())),
			attribute.String("source", string(s.Source())),
			attribute.String("phase", s.Phase().String()),
			attribute.Int64("sequence", int64(s.Sequence())),
		))
	defer span.End()

	if r.state.IsTerminal() {
		span.AddEvent("discarded_terminal_state")
		r.metrics.IncSnapshotsDiscarded(ctx, s.Source(), discardReasonTerminal)
		return r.state, false, nil
	}

	if last, ok := r.lastSeq[s.Source()]; ok && s.Sequence() <= last {
		span.AddEvent("discarded_out_of_order")
		r.metrics.IncSnapshotsDiscarded(ctx, s.Source(), discardReasonOutOfOrder)
		return r.state, false, tracking.NewOutOfOrderSnapshotError(s.JobID(), s.Source(), s.Sequence(), last)
	}
	r.lastSeq[s.Source()] = s.Sequence()

	next, changed := r.state.Apply(s)
	r.state = next
	r.metrics.IncSnapshotsFolded(ctx, s.Source())

	if changed {
		span.AddEvent("state_changed")
	}
	if next.IsTerminal() {
		span.AddEvent("terminal_state_reached")
		r.logger.Info(ctx, "Operation reached terminal phase",
			"phase", next.Phase().String(), "source", string(s.Source()))
	}

	return next, changed, nil
}

// Cancel freezes the state as Failed with a cancellation detail, bypassing
// the channel fold: cancellation originates locally, not from an observation.
// It reports false when the state was already terminal.
func (r *Reconciler) Cancel(ctx context.Context, reason string, at time.Time) (tracking.OperationState, bool) {
	next, ok := r.state.Cancel(reason, at)
	if !ok {
		return r.state, false
	}
	r.state = next
	r.logger.Info(ctx, "Operation observation cancelled", "reason", reason)
	return next, true
}

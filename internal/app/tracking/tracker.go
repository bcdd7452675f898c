package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/datalens/opwatch/internal/domain/tracking"
	"github.com/datalens/opwatch/pkg/common/logger"
)

// TrackerStatus is the lifecycle state of an OperationTracker.
type TrackerStatus string

const (
	// TrackerStatusIdle indicates the tracker is constructed but no adapters
	// have been started.
	TrackerStatusIdle TrackerStatus = "IDLE"

	// TrackerStatusActive indicates adapters are running and the
	// authoritative state is non-terminal.
	TrackerStatusActive TrackerStatus = "ACTIVE"

	// TrackerStatusTerminal indicates the authoritative state froze; all
	// adapters are stopped and the tracker is immutable.
	TrackerStatusTerminal TrackerStatus = "TERMINAL"
)

// ErrTrackerStarted indicates Start was called on a tracker that already
// left the Idle state.
var ErrTrackerStarted = errors.New("tracker already started")

// Subscriber receives authoritative state updates. Callbacks run on the
// tracker's delivery path and must return promptly; they must not call back
// into the tracker synchronously, with one exception: calling the handle
// returned by Subscribe to unsubscribe from inside the callback is safe.
type Subscriber func(state tracking.OperationState)

// OperationTracker orchestrates observation of one long-running operation:
// it owns the reconciler and the channel adapters, serializes every fold,
// and fans observable changes out to subscribers.
//
// All folds for one job run strictly serialized, which is what makes the
// monotonic merge correct without further locking, and notifications are
// delivered in fold order.
type OperationTracker struct {
	jobID        tracking.JobID
	reconciler   *Reconciler
	adapters     []SourceAdapter
	timeline     *tracking.Timeline
	timeProvider tracking.TimeProvider

	mu             sync.Mutex
	deliverMu      sync.Mutex
	status         TrackerStatus
	running        int
	cancelAdapters context.CancelFunc

	// subMu guards only the subscriber map and is never held while
	// acquiring mu or deliverMu, so unsubscribing from inside a delivery
	// callback cannot deadlock.
	subMu       sync.Mutex
	subscribers map[uuid.UUID]Subscriber

	localSeq atomic.Uint64

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics TrackerMetrics

	onStateChange func(state tracking.OperationState)
	onTerminal    func(jobID tracking.JobID)
}

// TrackerOption configures optional tracker behavior.
type TrackerOption func(*OperationTracker)

// WithStateChangeHook registers a hook invoked after subscriber delivery for
// every observable change. The registry uses it to publish bus events.
func WithStateChangeHook(fn func(state tracking.OperationState)) TrackerOption {
	return func(t *OperationTracker) { t.onStateChange = fn }
}

// WithTerminalHook registers a hook invoked once when the tracker enters the
// Terminal state. The registry uses it to schedule eviction.
func WithTerminalHook(fn func(jobID tracking.JobID)) TrackerOption {
	return func(t *OperationTracker) { t.onTerminal = fn }
}

// NewOperationTracker creates an Idle tracker with a Pending authoritative
// state for the given job.
func NewOperationTracker(
	jobID tracking.JobID,
	timeProvider tracking.TimeProvider,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics TrackerMetrics,
	opts ...TrackerOption,
) *OperationTracker {
	t := &OperationTracker{
		jobID:        jobID,
		reconciler:   NewReconciler(jobID, timeProvider.Now(), log, tracer, metrics),
		timeline:     tracking.NewTimeline(timeProvider),
		timeProvider: timeProvider,
		status:       TrackerStatusIdle,
		subscribers:  make(map[uuid.UUID]Subscriber),
		logger:       log.With("component", "operation_tracker", "job_id", string(jobID)),
		tracer:       tracer,
		metrics:      metrics,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// JobID returns the identifier of the tracked operation.
func (t *OperationTracker) JobID() tracking.JobID { return t.jobID }

// State returns the current authoritative state.
func (t *OperationTracker) State() tracking.OperationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconciler.State()
}

// Status returns the tracker's lifecycle state.
func (t *OperationTracker) Status() TrackerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Timeline returns the tracker's observation timeline.
func (t *OperationTracker) Timeline() *tracking.Timeline { return t.timeline }

// Attach hands the tracker its channel adapters. It must be called before
// Start; adapters attached later are ignored.
func (t *OperationTracker) Attach(adapters ...SourceAdapter) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != TrackerStatusIdle {
		return ErrTrackerStarted
	}
	t.adapters = append(t.adapters, adapters...)
	return nil
}

// Start launches every attached adapter and transitions the tracker to
// Active. The provided context bounds adapter lifetime; it should be the
// registry's long-lived context, not a request context.
func (t *OperationTracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.status != TrackerStatusIdle {
		t.mu.Unlock()
		return ErrTrackerStarted
	}
	t.status = TrackerStatusActive

	adapterCtx, cancel := context.WithCancel(ctx)
	t.cancelAdapters = cancel
	t.running = len(t.adapters)
	adapters := t.adapters
	t.mu.Unlock()

	t.logger.Info(ctx, "Tracker started", "adapters", len(adapters))

	for _, a := range adapters {
		go t.runAdapter(adapterCtx, a)
	}
	return nil
}

// runAdapter blocks on one adapter's Start and handles its exit. An adapter
// that dies with an error while siblings keep running is only logged: the
// remaining channels still provide coverage. When the last adapter dies with
// an error before the operation terminated, nothing can advance the state
// anymore, so the operation is failed with a transport detail.
func (t *OperationTracker) runAdapter(ctx context.Context, a SourceAdapter) {
	err := a.Start(ctx)

	t.mu.Lock()
	t.running--
	remaining := t.running
	terminal := t.status == TrackerStatusTerminal
	t.mu.Unlock()

	if err == nil || terminal || ctx.Err() != nil {
		return
	}

	t.logger.Warn(ctx, "Adapter stopped with error",
		"source", string(a.Source()), "remaining_adapters", remaining, "error", err)

	if remaining == 0 {
		t.Fatal(a.Source(), fmt.Errorf("last observation channel stopped: %w", err))
	}
}

// Deliver implements Sink: it folds one adapter snapshot into the
// authoritative state and notifies subscribers of observable changes.
func (t *OperationTracker) Deliver(s tracking.Snapshot) {
	t.ingest(s)
}

// Fatal implements Sink: a permanent transport failure is converted into a
// locally-sourced Failed snapshot so the fold remains the single place that
// decides authoritative state.
func (t *OperationTracker) Fatal(source tracking.SourceChannel, err error) {
	ctx := context.Background()
	t.metrics.IncAdapterFatalErrors(ctx, source)
	t.logger.Error(ctx, "Adapter reported fatal transport error",
		"source", string(source), "error", err)

	snap := tracking.NewSnapshot(
		t.jobID,
		tracking.SourceLocal,
		tracking.PhaseFailed,
		1.0,
		t.localSeq.Add(1),
		t.timeProvider.Now(),
		tracking.WithMessage("observation failed"),
		tracking.WithFailure(tracking.NewTransportFailure(err.Error())),
	)
	t.ingest(snap)
}

// Subscribe registers a callback for authoritative state updates. The
// callback is invoked synchronously with the current state before Subscribe
// returns, so late subscribers see the latest known state rather than only
// future deltas. The returned handle removes the subscription.
func (t *OperationTracker) Subscribe(fn Subscriber) (unsubscribe func()) {
	id := uuid.New()

	t.mu.Lock()
	state := t.reconciler.State()
	t.subMu.Lock()
	t.subscribers[id] = fn
	t.subMu.Unlock()
	t.deliverMu.Lock()
	t.mu.Unlock()

	fn(state)
	t.deliverMu.Unlock()

	return func() {
		t.subMu.Lock()
		delete(t.subscribers, id)
		t.subMu.Unlock()
	}
}

// Cancel stops client-side observation: the authoritative state flips to
// Failed with a Cancelled detail synchronously, all adapters are stopped,
// and subscribers are notified exactly once. Repeated calls are no-ops. The
// server-side job is not aborted; if the consumer needs that, it makes the
// server call before cancelling observation.
func (t *OperationTracker) Cancel(reason string) {
	ctx, span := t.tracer.Start(context.Background(), "operation_tracker.cancel",
		trace.WithAttributes(attribute.String("job_id", string(t.jobID))))
	defer span.End()

	t.mu.Lock()
	state, ok := t.reconciler.Cancel(ctx, reason, t.timeProvider.Now())
	if !ok {
		t.mu.Unlock()
		span.AddEvent("already_terminal")
		return
	}
	t.metrics.IncCancellations(ctx)
	subs := t.snapshotSubscribers()
	t.enterTerminalLocked()
	t.deliverMu.Lock()
	t.mu.Unlock()

	t.deliver(subs, state)
	t.deliverMu.Unlock()

	t.finishTerminal()
}

// Shutdown stops the adapters without altering the authoritative state. It
// exists for process teardown; abandoned non-terminal state is recovered on
// restart by re-polling.
func (t *OperationTracker) Shutdown() {
	t.mu.Lock()
	if t.cancelAdapters != nil {
		t.cancelAdapters()
	}
	adapters := t.adapters
	t.mu.Unlock()

	for _, a := range adapters {
		a.Stop()
	}
}

// ingest is the single serialized fold path. Every snapshot, regardless of
// origin, passes through here.
func (t *OperationTracker) ingest(s tracking.Snapshot) {
	ctx := context.Background()

	t.mu.Lock()
	state, changed, err := t.reconciler.Fold(ctx, s)
	if err != nil {
		t.mu.Unlock()
		var oooErr *tracking.OutOfOrderSnapshotError
		if errors.As(err, &oooErr) {
			t.logger.Debug(ctx, "Dropped out-of-order snapshot", "error", err)
		}
		return
	}
	if !changed {
		t.mu.Unlock()
		return
	}

	t.timeline.MarkActivity()
	subs := t.snapshotSubscribers()
	becameTerminal := state.IsTerminal() && t.status != TrackerStatusTerminal
	if becameTerminal {
		t.enterTerminalLocked()
	}
	t.deliverMu.Lock()
	t.mu.Unlock()

	t.deliver(subs, state)
	t.deliverMu.Unlock()

	if becameTerminal {
		t.finishTerminal()
	}
}

// enterTerminalLocked transitions to the Terminal status. Callers hold mu.
func (t *OperationTracker) enterTerminalLocked() {
	t.status = TrackerStatusTerminal
	t.timeline.MarkTerminated()
	if t.cancelAdapters != nil {
		t.cancelAdapters()
	}
}

// finishTerminal stops adapters and fires the terminal hook. It runs outside
// both locks since Stop may block on connection teardown.
func (t *OperationTracker) finishTerminal() {
	for _, a := range t.adapters {
		a.Stop()
	}
	if t.onTerminal != nil {
		t.onTerminal(t.jobID)
	}
}

func (t *OperationTracker) snapshotSubscribers() []Subscriber {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	subs := make([]Subscriber, 0, len(t.subscribers))
	for _, fn := range t.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

func (t *OperationTracker) deliver(subs []Subscriber, state tracking.OperationState) {
	for _, fn := range subs {
		fn(state)
	}
	if t.onStateChange != nil {
		t.onStateChange(state)
	}
}

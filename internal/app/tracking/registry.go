package tracking

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/datalens/opwatch/internal/domain/events"
	"github.com/datalens/opwatch/internal/domain/tracking"
	"github.com/datalens/opwatch/pkg/common/logger"
)

// EventPublisher publishes operation events for registry-wide consumers, such
// as a dashboard activity feed observing every tracked operation at once.
type EventPublisher interface {
	PublishUpdate(ctx context.Context, evt tracking.OperationUpdatedEvent, opts ...events.PublishOption) error
	PublishCompletion(ctx context.Context, evt tracking.OperationCompletedEvent, opts ...events.PublishOption) error
	PublishFailure(ctx context.Context, evt tracking.OperationFailedEvent, opts ...events.PublishOption) error
}

// defaultEvictionGracePeriod is how long a terminal tracker stays registered
// so a remounting view can still read the final state without re-fetching.
const defaultEvictionGracePeriod = 30 * time.Second

// TrackerRegistry is the process-wide map from job identifier to live
// OperationTracker. It prevents duplicate trackers for the same job, allows
// re-attachment while a job is still running or freshly finished, and bounds
// memory by evicting terminal trackers after a grace period.
type TrackerRegistry struct {
	mu       sync.Mutex
	trackers map[tracking.JobID]*OperationTracker

	// runCtx bounds adapter lifetime for every tracker the registry starts.
	// Trackers must outlive the caller that first requested them: a view
	// can unmount while the job keeps running, and a later remount must
	// find the channels still observing. Only Close cancels it.
	runCtx context.Context
	stop   context.CancelFunc

	gracePeriod  time.Duration
	timeProvider tracking.TimeProvider

	bus     EventPublisher
	logger  *logger.Logger
	tracer  trace.Tracer
	metrics TrackerMetrics
}

// RegistryOption configures optional registry behavior.
type RegistryOption func(*TrackerRegistry)

// WithEvictionGracePeriod overrides how long terminal trackers stay
// registered before eviction.
func WithEvictionGracePeriod(d time.Duration) RegistryOption {
	return func(r *TrackerRegistry) { r.gracePeriod = d }
}

// WithTimeProvider overrides the registry clock, primarily for tests.
func WithTimeProvider(tp tracking.TimeProvider) RegistryOption {
	return func(r *TrackerRegistry) { r.timeProvider = tp }
}

// WithEventPublisher wires a bus that receives every authoritative state
// change across all tracked operations.
func WithEventPublisher(bus EventPublisher) RegistryOption {
	return func(r *TrackerRegistry) { r.bus = bus }
}

// NewTrackerRegistry creates an empty registry.
func NewTrackerRegistry(
	log *logger.Logger,
	tracer trace.Tracer,
	metrics TrackerMetrics,
	opts ...RegistryOption,
) *TrackerRegistry {
	runCtx, stop := context.WithCancel(context.Background())
	r := &TrackerRegistry{
		trackers:     make(map[tracking.JobID]*OperationTracker),
		runCtx:       runCtx,
		stop:         stop,
		gracePeriod:  defaultEvictionGracePeriod,
		timeProvider: tracking.RealTimeProvider(),
		logger:       log.With("component", "tracker_registry"),
		tracer:       tracer,
		metrics:      metrics,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// GetOrCreate returns the tracker for jobID, constructing and starting one
// via the factory when none is registered. An existing tracker is returned
// as-is even when terminal, so a view remounting shortly after completion
// reads the final state without re-fetching; after eviction a fresh tracker
// re-attaches through the pull channel.
//
// The caller's ctx scopes only this lookup. Adapters run under the
// registry's own context, so cancelling ctx after GetOrCreate returns does
// not stop observation.
func (r *TrackerRegistry) GetOrCreate(
	ctx context.Context,
	jobID tracking.JobID,
	factory AdapterFactory,
) (*OperationTracker, error) {
	ctx, span := r.tracer.Start(ctx, "tracker_registry.get_or_create",
		trace.WithAttributes(attribute.String("job_id", string(jobID))))
	defer span.End()

	r.mu.Lock()
	if t, ok := r.trackers[jobID]; ok {
		r.mu.Unlock()
		span.AddEvent("existing_tracker")
		return t, nil
	}

	t := NewOperationTracker(
		jobID,
		r.timeProvider,
		r.logger,
		r.tracer,
		r.metrics,
		WithStateChangeHook(r.publishStateChange),
		WithTerminalHook(r.scheduleEviction),
	)
	if err := t.Attach(factory(jobID, t)...); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.trackers[jobID] = t
	count := len(r.trackers)
	r.mu.Unlock()

	r.metrics.IncTrackersCreated(ctx)
	r.metrics.SetActiveTrackers(ctx, count)
	r.logger.Info(ctx, "Tracker created", "job_id", string(jobID), "registered", count)
	span.AddEvent("tracker_created")

	if err := t.Start(r.runCtx); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns the tracker for jobID, or ErrUnknownJob when none is
// registered.
func (r *TrackerRegistry) Get(jobID tracking.JobID) (*OperationTracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[jobID]
	if !ok {
		return nil, tracking.ErrUnknownJob
	}
	return t, nil
}

// Count returns the number of registered trackers, terminal ones included.
func (r *TrackerRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

// Close stops every tracker's adapters without altering authoritative state.
// Non-terminal operations are recovered on restart by re-polling.
func (r *TrackerRegistry) Close() {
	r.stop()

	r.mu.Lock()
	trackers := make([]*OperationTracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		trackers = append(trackers, t)
	}
	r.mu.Unlock()

	for _, t := range trackers {
		t.Shutdown()
	}
}

// scheduleEviction arms the grace-period timer for a terminal tracker.
func (r *TrackerRegistry) scheduleEviction(jobID tracking.JobID) {
	time.AfterFunc(r.gracePeriod, func() { r.evict(jobID) })
}

func (r *TrackerRegistry) evict(jobID tracking.JobID) {
	ctx := context.Background()

	r.mu.Lock()
	t, ok := r.trackers[jobID]
	if !ok || t.Status() != TrackerStatusTerminal {
		r.mu.Unlock()
		return
	}
	delete(r.trackers, jobID)
	count := len(r.trackers)
	r.mu.Unlock()

	r.metrics.IncTrackersEvicted(ctx)
	r.metrics.SetActiveTrackers(ctx, count)
	r.logger.Debug(ctx, "Tracker evicted", "job_id", string(jobID), "registered", count)
}

// publishStateChange forwards an authoritative state change to the bus,
// fanning terminal transitions out to the completion and failure streams as
// well.
func (r *TrackerRegistry) publishStateChange(state tracking.OperationState) {
	if r.bus == nil {
		return
	}
	ctx := context.Background()
	key := events.WithKey(string(state.JobID()))

	if err := r.bus.PublishUpdate(ctx, tracking.NewOperationUpdatedEvent(state), key); err != nil {
		r.logger.Warn(ctx, "Failed to publish operation update", "job_id", string(state.JobID()), "error", err)
	}

	switch state.Phase() {
	case tracking.PhaseCompleted:
		if err := r.bus.PublishCompletion(ctx, tracking.NewOperationCompletedEvent(state), key); err != nil {
			r.logger.Warn(ctx, "Failed to publish operation completion", "job_id", string(state.JobID()), "error", err)
		}
	case tracking.PhaseFailed:
		if err := r.bus.PublishFailure(ctx, tracking.NewOperationFailedEvent(state), key); err != nil {
			r.logger.Warn(ctx, "Failed to publish operation failure", "job_id", string(state.JobID()), "error", err)
		}
	}
}

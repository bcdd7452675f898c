package tracking

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/datalens/opwatch/internal/domain/tracking"
)

// TrackerMetrics defines the metrics operations the engine records. The
// default implementation is OpenTelemetry-backed; tests use the noop.
type TrackerMetrics interface {
	// Snapshot metrics.
	IncSnapshotsFolded(ctx context.Context, source tracking.SourceChannel)
	IncSnapshotsDiscarded(ctx context.Context, source tracking.SourceChannel, reason string)

	// Tracker lifecycle metrics.
	IncTrackersCreated(ctx context.Context)
	IncTrackersEvicted(ctx context.Context)
	SetActiveTrackers(ctx context.Context, count int)
	IncCancellations(ctx context.Context)

	// Adapter metrics.
	IncAdapterFatalErrors(ctx context.Context, source tracking.SourceChannel)
}

// trackerMetrics implements TrackerMetrics using OpenTelemetry instruments.
type trackerMetrics struct {
	snapshotsFolded    metric.Int64Counter
	snapshotsDiscarded metric.Int64Counter
	trackersCreated    metric.Int64Counter
	trackersEvicted    metric.Int64Counter
	activeTrackers     metric.Int64UpDownCounter
	cancellations      metric.Int64Counter
	adapterFatalErrors metric.Int64Counter

	lastActive atomic.Int64
}

// NewTrackerMetrics creates a TrackerMetrics implementation backed by the
// provided meter provider.
func NewTrackerMetrics(mp metric.MeterProvider) (TrackerMetrics, error) {
	meter := mp.Meter("opwatch.tracking")

	snapshotsFolded, err := meter.Int64Counter("opwatch_snapshots_folded_total",
		metric.WithDescription("Snapshots accepted into authoritative state"))
	if err != nil {
		return nil, err
	}
	snapshotsDiscarded, err := meter.Int64Counter("opwatch_snapshots_discarded_total",
		metric.WithDescription("Snapshots discarded during folding"))
	if err != nil {
		return nil, err
	}
	trackersCreated, err := meter.Int64Counter("opwatch_trackers_created_total",
		metric.WithDescription("Operation trackers created"))
	if err != nil {
		return nil, err
	}
	trackersEvicted, err := meter.Int64Counter("opwatch_trackers_evicted_total",
		metric.WithDescription("Operation trackers evicted after the terminal grace period"))
	if err != nil {
		return nil, err
	}
	activeTrackers, err := meter.Int64UpDownCounter("opwatch_trackers_active",
		metric.WithDescription("Currently registered operation trackers"))
	if err != nil {
		return nil, err
	}
	cancellations, err := meter.Int64Counter("opwatch_cancellations_total",
		metric.WithDescription("Client-initiated observation cancellations"))
	if err != nil {
		return nil, err
	}
	adapterFatalErrors, err := meter.Int64Counter("opwatch_adapter_fatal_errors_total",
		metric.WithDescription("Permanent transport failures reported by adapters"))
	if err != nil {
		return nil, err
	}

	return &trackerMetrics{
		snapshotsFolded:    snapshotsFolded,
		snapshotsDiscarded: snapshotsDiscarded,
		trackersCreated:    trackersCreated,
		trackersEvicted:    trackersEvicted,
		activeTrackers:     activeTrackers,
		cancellations:      cancellations,
		adapterFatalErrors: adapterFatalErrors,
	}, nil
}

func sourceAttr(source tracking.SourceChannel) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("source", string(source)))
}

func (m *trackerMetrics) IncSnapshotsFolded(ctx context.Context, source tracking.SourceChannel) {
	m.snapshotsFolded.Add(ctx, 1, sourceAttr(source))
}

func (m *trackerMetrics) IncSnapshotsDiscarded(ctx context.Context, source tracking.SourceChannel, reason string) {
	m.snapshotsDiscarded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", string(source)),
		attribute.String("reason", reason),
	))
}

func (m *trackerMetrics) IncTrackersCreated(ctx context.Context) {
	m.trackersCreated.Add(ctx, 1)
}

func (m *trackerMetrics) IncTrackersEvicted(ctx context.Context) {
	m.trackersEvicted.Add(ctx, 1)
}

func (m *trackerMetrics) SetActiveTrackers(ctx context.Context, count int) {
	delta := int64(count) - m.lastActive.Swap(int64(count))
	m.activeTrackers.Add(ctx, delta)
}

func (m *trackerMetrics) IncCancellations(ctx context.Context) {
	m.cancellations.Add(ctx, 1)
}

func (m *trackerMetrics) IncAdapterFatalErrors(ctx context.Context, source tracking.SourceChannel) {
	m.adapterFatalErrors.Add(ctx, 1, sourceAttr(source))
}

// NoopMetrics returns a TrackerMetrics that records nothing.
func NoopMetrics() TrackerMetrics { return noopMetrics{} }

type noopMetrics struct{}

func (noopMetrics) IncSnapshotsFolded(context.Context, tracking.SourceChannel)            {}
func (noopMetrics) IncSnapshotsDiscarded(context.Context, tracking.SourceChannel, string) {}
func (noopMetrics) IncTrackersCreated(context.Context)                                    {}
func (noopMetrics) IncTrackersEvicted(context.Context)                                    {}
func (noopMetrics) SetActiveTrackers(context.Context, int)                                {}
func (noopMetrics) IncCancellations(context.Context)                                      {}
func (noopMetrics) IncAdapterFatalErrors(context.Context, tracking.SourceChannel)         {}

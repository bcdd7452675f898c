package tracking

import (
	"context"

	"github.com/datalens/opwatch/internal/domain/tracking"
)

// Sink receives the output of a channel adapter. The tracker implements it;
// adapters never fold state themselves. Every condition they encounter is
// converted to a snapshot or reported through Fatal.
type Sink interface {
	// Deliver hands one status observation to the tracker for folding.
	Deliver(s tracking.Snapshot)

	// Fatal reports a permanent transport failure (job not found,
	// unauthorized). The tracker transitions the operation to Failed with a
	// transport failure detail rather than observing it forever.
	Fatal(source tracking.SourceChannel, err error)
}

// SourceAdapter produces status snapshots from one data source. Start blocks
// until the adapter stops: because its context was cancelled, because it hit
// a fatal condition, or because its retry budget ran out. Stop is idempotent
// and safe to call concurrently with Start.
type SourceAdapter interface {
	Source() tracking.SourceChannel
	Start(ctx context.Context) error
	Stop()
}

// AdapterFactory wires the adapters appropriate for one job kind. Some jobs
// only support polling, others get a push stream as well; the factory hides
// that decision from the registry.
type AdapterFactory func(jobID tracking.JobID, sink Sink) []SourceAdapter

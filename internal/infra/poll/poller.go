package poll

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apptracking "github.com/datalens/opwatch/internal/app/tracking"
	"github.com/datalens/opwatch/internal/domain/tracking"
	"github.com/datalens/opwatch/pkg/common"
	"github.com/datalens/opwatch/pkg/common/logger"
)

// jitterFraction spreads poll timers by up to ±10% so many trackers started
// together do not fetch in lockstep.
const jitterFraction = 0.1

// Poller repeatedly invokes a status fetch on an interval and delivers one
// snapshot per successful response. At most one fetch is in flight at a
// time: the timer is only re-armed after the previous fetch returns, so a
// slow endpoint cannot pile up overlapping requests for the same job.
//
// Transient fetch failures are retried on the same interval for as long as
// the tracker lives; a permanent failure stops the poller and is reported
// through the sink so the operation fails instead of hanging forever.
type Poller struct {
	jobID    tracking.JobID
	fetch    StatusFetcher
	interval time.Duration
	limiter  *common.RateLimiter
	sink     apptracking.Sink

	stopOnce sync.Once
	stopped  chan struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// PollerOption configures optional poller behavior.
type PollerOption func(*Poller)

// WithRateLimiter gates fetch issue on a limiter shared across all pollers.
func WithRateLimiter(limiter *common.RateLimiter) PollerOption {
	return func(p *Poller) { p.limiter = limiter }
}

// NewPoller creates a poller for one job. The interval is the base delay
// between fetches; a small jitter is applied to each arm.
func NewPoller(
	jobID tracking.JobID,
	fetch StatusFetcher,
	interval time.Duration,
	sink apptracking.Sink,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...PollerOption,
) *Poller {
	p := &Poller{
		jobID:    jobID,
		fetch:    fetch,
		interval: interval,
		sink:     sink,
		stopped:  make(chan struct{}),
		logger:   log.With("component", "poller", "job_id", string(jobID)),
		tracer:   tracer,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Source identifies the poll channel.
func (p *Poller) Source() tracking.SourceChannel { return tracking.SourcePoll }

// Start runs the poll loop until the context is cancelled, Stop is called,
// or a permanent fetch failure occurs. The first fetch is issued
// immediately so a freshly mounted view is not blind for a full interval.
func (p *Poller) Start(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "poller.start",
		trace.WithAttributes(
			attribute.String("job_id", string(p.jobID)),
			attribute.String("interval", p.interval.String()),
		))
	defer span.End()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopped:
			return nil
		case <-timer.C:
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		if fatal := p.pollOnce(ctx); fatal {
			span.AddEvent("permanent_failure")
			return nil
		}

		timer.Reset(jittered(p.interval))
	}
}

// Stop halts the loop. An in-flight fetch is allowed to complete; its result
// is delivered and discarded by the reconciler's terminal-state rule, which
// is why stopping after termination is race-free.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
}

// pollOnce performs a single fetch and reports whether the failure was
// permanent.
func (p *Poller) pollOnce(ctx context.Context) bool {
	snap, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if IsPermanent(err) {
			p.sink.Fatal(tracking.SourcePoll, err)
			return true
		}
		p.logger.Debug(ctx, "Transient status fetch failure, will retry", "error", err)
		return false
	}

	p.sink.Deliver(snap)
	return false
}

func jittered(interval time.Duration) time.Duration {
	spread := float64(interval) * jitterFraction
	offset := (rand.Float64()*2 - 1) * spread
	return interval + time.Duration(offset)
}

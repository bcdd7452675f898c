// Package tracker is the public entry point of the operation tracking
// engine. It wires the polling and push channels, the per-job trackers, and
// the process-wide registry behind a small facade so callers only deal with
// job identifiers and state callbacks.
package tracker

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	apptracking "github.com/datalens/opwatch/internal/app/tracking"
	"github.com/datalens/opwatch/internal/config"
	"github.com/datalens/opwatch/internal/domain/tracking"
	"github.com/datalens/opwatch/internal/infra/eventbus/memory"
	"github.com/datalens/opwatch/internal/infra/poll"
	"github.com/datalens/opwatch/internal/infra/push"
	"github.com/datalens/opwatch/pkg/common"
	"github.com/datalens/opwatch/pkg/common/logger"
)

// Kind identifies what flavor of long-running job is being tracked. The
// kind decides the polling cadence and whether a push channel is attached.
type Kind = config.JobKind

const (
	KindEDA        = config.JobKindEDA
	KindTraining   = config.JobKindTraining
	KindPrediction = config.JobKindPrediction
)

// Engine owns the shared infrastructure behind all tracked operations: the
// status API client, the shared poll rate limiter, the WebSocket dialer, the
// in-process event bus, and the tracker registry.
type Engine struct {
	cfg config.Config

	client   *poll.Client
	limiter  *common.RateLimiter
	dialer   *websocket.Dialer
	bus      *memory.Broker
	registry *apptracking.TrackerRegistry

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics apptracking.TrackerMetrics
}

// Option configures optional engine behavior.
type Option func(*engineOptions)

type engineOptions struct {
	authToken  string
	httpClient *http.Client
	tracer     trace.Tracer
	meter      metric.MeterProvider
}

// WithAuthToken attaches a bearer token to every status request.
func WithAuthToken(token string) Option {
	return func(o *engineOptions) { o.authToken = token }
}

// WithHTTPClient overrides the status API HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *engineOptions) { o.httpClient = c }
}

// WithTracer enables tracing of folds, channel lifecycles, and registry
// operations.
func WithTracer(t trace.Tracer) Option {
	return func(o *engineOptions) { o.tracer = t }
}

// WithMeterProvider enables engine metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *engineOptions) { o.meter = mp }
}

// NewEngine builds an engine from configuration. The config is normalized
// and validated; poll.base_url is required.
func NewEngine(cfg config.Config, log *logger.Logger, opts ...Option) (*Engine, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracking config: %w", err)
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	tracer := o.tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("opwatch")
	}

	metrics := apptracking.NoopMetrics()
	if o.meter != nil {
		m, err := apptracking.NewTrackerMetrics(o.meter)
		if err != nil {
			return nil, fmt.Errorf("initializing tracker metrics: %w", err)
		}
		metrics = m
	}

	clientOpts := []poll.ClientOption{}
	if o.authToken != "" {
		clientOpts = append(clientOpts, poll.WithAuthToken(o.authToken))
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, poll.WithHTTPClient(o.httpClient))
	} else {
		clientOpts = append(clientOpts, poll.WithHTTPClient(&http.Client{Timeout: cfg.Poll.RequestTimeout}))
	}

	var limiter *common.RateLimiter
	if cfg.Poll.RateLimit > 0 {
		limiter = common.NewRateLimiter(cfg.Poll.RateLimit, cfg.Poll.Burst)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: cfg.Push.HandshakeTimeout}

	bus := memory.NewBroker()
	registry := apptracking.NewTrackerRegistry(log, tracer, metrics,
		apptracking.WithEvictionGracePeriod(cfg.Registry.EvictionGracePeriod),
		apptracking.WithEventPublisher(bus),
	)

	return &Engine{
		cfg:      cfg,
		client:   poll.NewClient(cfg.Poll.BaseURL, clientOpts...),
		limiter:  limiter,
		dialer:   dialer,
		bus:      bus,
		registry: registry,
		logger:   log.With("component", "tracker_engine"),
		tracer:   tracer,
		metrics:  metrics,
	}, nil
}

// TrackOperation returns a handle on the tracker for jobID, starting
// observation channels if the job is not yet tracked. Calling it again with
// the same identifier returns the same underlying tracker, so concurrent
// views share one set of channels.
//
// ctx scopes only the lookup itself. Observation keeps running after ctx is
// cancelled; it stops when the operation terminates or the engine closes.
func (e *Engine) TrackOperation(ctx context.Context, jobID tracking.JobID, kind Kind) (*Handle, error) {
	t, err := e.registry.GetOrCreate(ctx, jobID, e.adapterFactory(kind))
	if err != nil {
		return nil, err
	}
	return &Handle{tracker: t}, nil
}

// Cancel stops observing jobID and freezes its state as cancelled. Unknown
// jobs return tracking.ErrUnknownJob.
func (e *Engine) Cancel(jobID tracking.JobID, reason string) error {
	t, err := e.registry.Get(jobID)
	if err != nil {
		return err
	}
	t.Cancel(reason)
	return nil
}

// Updates subscribes to every authoritative state change across all tracked
// operations. The subscription lasts until ctx is cancelled.
func (e *Engine) Updates(ctx context.Context, handler func(tracking.OperationUpdatedEvent) error) error {
	return e.bus.SubscribeUpdates(ctx, handler)
}

// Completions subscribes to successful terminal transitions.
func (e *Engine) Completions(ctx context.Context, handler func(tracking.OperationCompletedEvent) error) error {
	return e.bus.SubscribeCompletions(ctx, handler)
}

// Failures subscribes to failed terminal transitions, cancellations included.
func (e *Engine) Failures(ctx context.Context, handler func(tracking.OperationFailedEvent) error) error {
	return e.bus.SubscribeFailures(ctx, handler)
}

// TrackedCount reports how many trackers are currently registered.
func (e *Engine) TrackedCount() int { return e.registry.Count() }

// Close shuts down every tracker's observation channels. Job states are left
// as they are; Close stops observation, it does not cancel operations.
func (e *Engine) Close() { e.registry.Close() }

// adapterFactory builds the observation channels for one job: a status
// poller for every kind, plus a push listener for kinds with an event
// stream when an endpoint is configured.
func (e *Engine) adapterFactory(kind Kind) apptracking.AdapterFactory {
	return func(jobID tracking.JobID, sink apptracking.Sink) []apptracking.SourceAdapter {
		pollerOpts := []poll.PollerOption{}
		if e.limiter != nil {
			pollerOpts = append(pollerOpts, poll.WithRateLimiter(e.limiter))
		}

		adapters := []apptracking.SourceAdapter{
			poll.NewPoller(jobID, e.client.RunStatus(jobID), e.cfg.PollInterval(kind), sink, e.logger, e.tracer, pollerOpts...),
		}

		if kind == KindTraining && e.cfg.Push.Endpoint != "" {
			adapters = append(adapters, push.NewListener(jobID, e.streamURL(jobID), sink, e.logger, e.tracer,
				push.WithDialer(e.dialer),
				push.WithReconnectPolicy(e.cfg.Push.ReconnectInterval, e.cfg.Push.ReconnectBudget()),
			))
		}

		return adapters
	}
}

// streamURL expands the configured endpoint template for one job.
func (e *Engine) streamURL(jobID tracking.JobID) string {
	return strings.ReplaceAll(e.cfg.Push.Endpoint, "{job_id}", string(jobID))
}

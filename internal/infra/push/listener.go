package push

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apptracking "github.com/datalens/opwatch/internal/app/tracking"
	"github.com/datalens/opwatch/internal/domain/tracking"
	"github.com/datalens/opwatch/pkg/common/logger"
)

const (
	defaultReconnectInterval = 3 * time.Second
	defaultMaxReconnects     = 10
)

// Listener maintains a persistent WebSocket connection to a job progress
// stream and delivers every decoded message as a snapshot.
//
// On disconnect it reconnects on a fixed interval up to a bounded attempt
// count; while it is down, the poll channel (when present) keeps providing
// coverage, which is why the push channel is never authoritative on its own.
// Messages may be replayed or reordered around a reconnect; the listener's
// channel-scoped sequence numbers and the reconciler's monotonic merge make
// that harmless.
//
// The stream may be scoped to a job family rather than a single run (the
// training stream is project-scoped), so the listener does not filter by the
// run identifier inside messages.
type Listener struct {
	jobID tracking.JobID
	url   string
	sink  apptracking.Sink

	dialer            *websocket.Dialer
	reconnectInterval time.Duration
	maxReconnects     uint64

	seq atomic.Uint64

	mu       sync.Mutex
	conn     *websocket.Conn
	stopOnce sync.Once
	stopped  chan struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// ListenerOption configures optional listener behavior.
type ListenerOption func(*Listener)

// WithReconnectPolicy overrides the reconnect interval and attempt budget.
func WithReconnectPolicy(interval time.Duration, maxAttempts uint64) ListenerOption {
	return func(l *Listener) {
		l.reconnectInterval = interval
		l.maxReconnects = maxAttempts
	}
}

// WithDialer overrides the WebSocket dialer, primarily for handshake
// timeouts and TLS configuration.
func WithDialer(d *websocket.Dialer) ListenerOption {
	return func(l *Listener) { l.dialer = d }
}

// NewListener creates a push listener for one job's event stream endpoint.
func NewListener(
	jobID tracking.JobID,
	url string,
	sink apptracking.Sink,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...ListenerOption,
) *Listener {
	l := &Listener{
		jobID:             jobID,
		url:               url,
		sink:              sink,
		dialer:            websocket.DefaultDialer,
		reconnectInterval: defaultReconnectInterval,
		maxReconnects:     defaultMaxReconnects,
		stopped:           make(chan struct{}),
		logger:            log.With("component", "push_listener", "job_id", string(jobID)),
		tracer:            tracer,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Source identifies the push channel.
func (l *Listener) Source() tracking.SourceChannel { return tracking.SourcePush }

// Start connects and reads the stream until the context is cancelled, Stop
// is called, or the reconnect budget runs out. Budget exhaustion is returned
// as an error; the tracker treats it as coverage loss, not operation
// failure, unless no other channel remains.
func (l *Listener) Start(ctx context.Context) error {
	ctx, span := l.tracer.Start(ctx, "push_listener.start",
		trace.WithAttributes(
			attribute.String("job_id", string(l.jobID)),
			attribute.String("endpoint", l.url),
		))
	defer span.End()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.reconnectInterval), l.maxReconnects),
		ctx,
	)

	operation := func() error {
		if l.isStopped(ctx) {
			return nil
		}
		connected, err := l.runConnection(ctx)
		if connected {
			// A successful connection refreshes the reconnect budget, so the
			// bound applies per outage rather than per stream lifetime.
			policy.Reset()
		}
		return err
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if l.isStopped(ctx) {
			return nil
		}
		span.AddEvent("reconnect_budget_exhausted")
		return fmt.Errorf("push stream disconnected after %d reconnect attempts: %w", l.maxReconnects, err)
	}
	return nil
}

// Stop closes the connection and halts reconnection. Idempotent.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopped)
		l.mu.Lock()
		if l.conn != nil {
			_ = l.conn.Close()
		}
		l.mu.Unlock()
	})
}

// runConnection dials once and reads messages until the connection drops.
// A clean stop returns nil; a dropped connection returns the read error so
// the retry policy schedules a reconnect. The bool reports whether the dial
// succeeded.
func (l *Listener) runConnection(ctx context.Context) (bool, error) {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		l.logger.Debug(ctx, "Push stream dial failed, will retry", "error", err)
		return false, fmt.Errorf("dialing push stream: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		_ = conn.Close()
	}()

	l.logger.Debug(ctx, "Push stream connected")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if l.isStopped(ctx) {
				return true, nil
			}
			l.logger.Debug(ctx, "Push stream read failed, will reconnect", "error", err)
			return true, fmt.Errorf("reading push stream: %w", err)
		}

		snap, ok, err := normalizeMessage(l.jobID, raw, l.seq.Add(1), time.Now())
		if err != nil {
			l.logger.Warn(ctx, "Dropping undecodable stream message", "error", err)
			continue
		}
		if !ok {
			l.logger.Debug(ctx, "Ignoring stream message with unknown type")
			continue
		}

		l.sink.Deliver(snap)
	}
}

func (l *Listener) isStopped(ctx context.Context) bool {
	select {
	case <-l.stopped:
		return true
	default:
		return ctx.Err() != nil
	}
}

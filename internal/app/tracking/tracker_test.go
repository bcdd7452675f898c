package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/datalens/opwatch/internal/domain/tracking"
)

// mockTimeProvider implements TimeProvider for testing.
type mockTimeProvider struct{ currentTime time.Time }

func (m *mockTimeProvider) Now() time.Time { return m.currentTime }

// stubAdapter is a controllable SourceAdapter. Start blocks until the
// context is cancelled, Stop is called, or the configured error is
// released; exited closes when Start returns.
type stubAdapter struct {
	source tracking.SourceChannel
	errCh  chan error

	stopOnce sync.Once
	stopped  chan struct{}
	exitOnce sync.Once
	exited   chan struct{}
}

func newStubAdapter(source tracking.SourceChannel) *stubAdapter {
	return &stubAdapter{
		source:  source,
		errCh:   make(chan error, 1),
		stopped: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

func (a *stubAdapter) Source() tracking.SourceChannel { return a.source }

func (a *stubAdapter) Start(ctx context.Context) error {
	defer a.exitOnce.Do(func() { close(a.exited) })
	select {
	case <-ctx.Done():
		return nil
	case <-a.stopped:
		return nil
	case err := <-a.errCh:
		return err
	}
}

func (a *stubAdapter) Stop() {
	a.stopOnce.Do(func() { close(a.stopped) })
}

func (a *stubAdapter) fail(err error) { a.errCh <- err }

func newTestTracker(t *testing.T, opts ...TrackerOption) *OperationTracker {
	t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test")
	tp := &mockTimeProvider{currentTime: testStart}
	return NewOperationTracker("job-1", tp, testLogger(), tracer, NoopMetrics(), opts...)
}

// collector records every delivered state in order.
type collector struct {
	mu     sync.Mutex
	states []tracking.OperationState
}

func (c *collector) record(state tracking.OperationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, state)
}

func (c *collector) all() []tracking.OperationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]tracking.OperationState, len(c.states))
	copy(out, c.states)
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

func TestOperationTracker_SubscribeReplaysCurrentState(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	tr.Deliver(testSnap(tracking.SourcePoll, tracking.PhaseRunning, 0.5, 1))

	var c collector
	unsubscribe := tr.Subscribe(c.record)
	defer unsubscribe()

	states := c.all()
	require.Len(t, states, 1)
	assert.Equal(t, tracking.PhaseRunning, states[0].Phase())
	assert.Equal(t, 0.5, states[0].Progress())
}

func TestOperationTracker_LateSubscriberSeesTerminalState(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	tr.Deliver(testSnap(tracking.SourcePoll, tracking.PhaseCompleted, 1.0, 1))
	require.Equal(t, TrackerStatusTerminal, tr.Status())

	var c collector
	unsubscribe := tr.Subscribe(c.record)
	defer unsubscribe()

	states := c.all()
	require.Len(t, states, 1)
	assert.Equal(t, tracking.PhaseCompleted, states[0].Phase())
}

func TestOperationTracker_NotifiesOnlyObservableChanges(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)

	var c collector
	unsubscribe := tr.Subscribe(c.record)
	defer unsubscribe()
	require.Equal(t, 1, c.len()) // replay of the initial Pending state

	tr.Deliver(testSnap(tracking.SourcePush, tracking.PhaseRunning, 0.6, 1))
	assert.Equal(t, 2, c.len())

	// Stale lower progress from the other channel changes nothing.
	tr.Deliver(testSnap(tracking.SourcePoll, tracking.PhaseRunning, 0.4, 1))
	assert.Equal(t, 2, c.len())

	// Duplicate sequence is dropped before the fold.
	tr.Deliver(testSnap(tracking.SourcePush, tracking.PhaseRunning, 0.9, 1))
	assert.Equal(t, 2, c.len())

	tr.Deliver(testSnap(tracking.SourcePush, tracking.PhaseRunning, 0.9, 2))
	assert.Equal(t, 3, c.len())
}

func TestOperationTracker_TerminalDeliveredExactlyOnce(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)

	var c collector
	unsubscribe := tr.Subscribe(c.record)
	defer unsubscribe()

	tr.Deliver(testSnap(tracking.SourcePush, tracking.PhaseCompleted, 1.0, 1))
	tr.Deliver(testSnap(tracking.SourcePoll, tracking.PhaseCompleted, 1.0, 1))
	tr.Deliver(testSnap(tracking.SourcePoll, tracking.PhaseRunning, 0.7, 2))

	states := c.all()
	require.Len(t, states, 2) // initial replay plus one terminal notification
	assert.Equal(t, tracking.PhaseCompleted, states[1].Phase())
	assert.Equal(t, TrackerStatusTerminal, tr.Status())
}

func TestOperationTracker_Unsubscribe(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)

	var c collector
	unsubscribe := tr.Subscribe(c.record)
	unsubscribe()
	unsubscribe() // second call is harmless

	tr.Deliver(testSnap(tracking.SourcePoll, tracking.PhaseRunning, 0.5, 1))
	assert.Equal(t, 1, c.len()) // only the replay at subscription time
}

func TestOperationTracker_Cancel(t *testing.T) {
	t.Parallel()

	adapter := newStubAdapter(tracking.SourcePoll)
	tr := newTestTracker(t)
	require.NoError(t, tr.Attach(adapter))
	require.NoError(t, tr.Start(context.Background()))

	tr.Deliver(testSnap(tracking.SourcePoll, tracking.PhaseRunning, 0.4, 1))

	tr.Cancel("user closed the view")

	state := tr.State()
	assert.Equal(t, tracking.PhaseFailed, state.Phase())
	require.NotNil(t, state.Failure())
	assert.True(t, state.Failure().IsCancellation())
	assert.Equal(t, 0.4, state.Progress())
	assert.Equal(t, TrackerStatusTerminal, tr.Status())

	select {
	case <-adapter.stopped:
	case <-time.After(time.Second):
		t.Fatal("adapter was not stopped on cancel")
	}

	// Repeated cancellation is a no-op.
	tr.Cancel("again")
	assert.Equal(t, "user closed the view", tr.State().Failure().Reason())
}

func TestOperationTracker_StartTwiceFails(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	require.NoError(t, tr.Start(context.Background()))
	assert.ErrorIs(t, tr.Start(context.Background()), ErrTrackerStarted)
	assert.ErrorIs(t, tr.Attach(newStubAdapter(tracking.SourcePoll)), ErrTrackerStarted)
}

func TestOperationTracker_LastAdapterFailureFailsOperation(t *testing.T) {
	t.Parallel()

	adapter := newStubAdapter(tracking.SourcePoll)
	tr := newTestTracker(t)
	require.NoError(t, tr.Attach(adapter))
	require.NoError(t, tr.Start(context.Background()))

	adapter.fail(errors.New("connection refused"))

	require.Eventually(t, func() bool {
		return tr.Status() == TrackerStatusTerminal
	}, time.Second, 10*time.Millisecond)

	state := tr.State()
	assert.Equal(t, tracking.PhaseFailed, state.Phase())
	require.NotNil(t, state.Failure())
	assert.Equal(t, tracking.FailureKindTransport, state.Failure().Kind())
}

func TestOperationTracker_SurvivingAdapterKeepsOperationAlive(t *testing.T) {
	t.Parallel()

	pollAdapter := newStubAdapter(tracking.SourcePoll)
	pushAdapter := newStubAdapter(tracking.SourcePush)
	tr := newTestTracker(t)
	require.NoError(t, tr.Attach(pollAdapter, pushAdapter))
	require.NoError(t, tr.Start(context.Background()))

	pushAdapter.fail(errors.New("stream gone"))

	// The poll channel still provides coverage; the operation is not failed.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, TrackerStatusActive, tr.Status())
	assert.False(t, tr.State().IsTerminal())

	tr.Deliver(testSnap(tracking.SourcePoll, tracking.PhaseRunning, 0.2, 1))
	assert.Equal(t, 0.2, tr.State().Progress())

	tr.Shutdown()
}

func TestOperationTracker_Shutdown_PreservesState(t *testing.T) {
	t.Parallel()

	adapter := newStubAdapter(tracking.SourcePoll)
	tr := newTestTracker(t)
	require.NoError(t, tr.Attach(adapter))
	require.NoError(t, tr.Start(context.Background()))

	tr.Deliver(testSnap(tracking.SourcePoll, tracking.PhaseRunning, 0.3, 1))
	tr.Shutdown()

	state := tr.State()
	assert.Equal(t, tracking.PhaseRunning, state.Phase())
	assert.Equal(t, 0.3, state.Progress())
	assert.False(t, state.IsTerminal())
}

func TestOperationTracker_TerminalHookFiresOnce(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var fired []tracking.JobID
	tr := newTestTracker(t, WithTerminalHook(func(jobID tracking.JobID) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, jobID)
	}))

	tr.Deliver(testSnap(tracking.SourcePoll, tracking.PhaseCompleted, 1.0, 1))
	tr.Deliver(testSnap(tracking.SourcePush, tracking.PhaseCompleted, 1.0, 1))
	tr.Cancel("too late")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fired, 1)
	assert.Equal(t, tracking.JobID("job-1"), fired[0])
}

func TestOperationTracker_ConcurrentDeliveries(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)

	var c collector
	unsubscribe := tr.Subscribe(c.record)
	defer unsubscribe()

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			tr.Deliver(testSnap(tracking.SourcePoll, tracking.PhaseRunning, float64(seq)/100, seq))
		}(uint64(i))
	}
	wg.Wait()

	// Progress only ever moves forward, in every notification order.
	states := c.all()
	last := -1.0
	for _, st := range states {
		require.GreaterOrEqual(t, st.Progress(), last)
		last = st.Progress()
	}
	assert.Equal(t, 0.5, tr.State().Progress())
}

func TestOperationTracker_CancelTimestampsFromInjectedClock(t *testing.T) {
	t.Parallel()

	tracer := noop.NewTracerProvider().Tracer("test")
	tp := &mockTimeProvider{currentTime: testStart}
	tr := NewOperationTracker("job-1", tp, testLogger(), tracer, NoopMetrics())

	tp.currentTime = testStart.Add(42 * time.Second)
	tr.Cancel("view closed")

	st := tr.State()
	require.True(t, st.IsTerminal())
	assert.Equal(t, testStart.Add(42*time.Second), st.CompletedAt())
	assert.Equal(t, testStart.Add(42*time.Second), st.LastUpdated())
}

func TestOperationTracker_FatalTimestampsFromInjectedClock(t *testing.T) {
	t.Parallel()

	tracer := noop.NewTracerProvider().Tracer("test")
	tp := &mockTimeProvider{currentTime: testStart}
	tr := NewOperationTracker("job-1", tp, testLogger(), tracer, NoopMetrics())

	tp.currentTime = testStart.Add(time.Minute)
	tr.Fatal(tracking.SourcePoll, errors.New("connection refused"))

	st := tr.State()
	require.Equal(t, tracking.PhaseFailed, st.Phase())
	assert.Equal(t, testStart.Add(time.Minute), st.CompletedAt())
}

func TestOperationTracker_UnsubscribeFromInsideCallback(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)

	var (
		once  sync.Once
		unsub func()
	)
	unsub = tr.Subscribe(func(st tracking.OperationState) {
		if st.Phase() != tracking.PhaseRunning {
			return
		}
		once.Do(func() {
			// Linger so concurrent deliveries pile up on the fold path
			// while this callback removes its own subscription.
			time.Sleep(10 * time.Millisecond)
			unsub()
		})
	})

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			tr.Deliver(testSnap(tracking.SourcePoll, tracking.PhaseRunning, float64(seq)/20, seq))
		}(uint64(i))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliveries stalled after unsubscribing from inside a callback")
	}
}

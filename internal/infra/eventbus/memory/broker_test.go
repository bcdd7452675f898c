package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalens/opwatch/internal/domain/tracking"
)

func updateEvent(jobID tracking.JobID) tracking.OperationUpdatedEvent {
	state := tracking.NewOperationState(jobID, time.Now())
	return tracking.NewOperationUpdatedEvent(state)
}

func TestBroker_PublishSubscribeUpdates(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []tracking.OperationUpdatedEvent
	)
	err := b.SubscribeUpdates(ctx, func(evt tracking.OperationUpdatedEvent) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, evt)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.PublishUpdate(ctx, updateEvent("job-1")))
	require.NoError(t, b.PublishUpdate(ctx, updateEvent("job-2")))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, tracking.JobID("job-1"), received[0].JobID())
	assert.Equal(t, tracking.JobID("job-2"), received[1].JobID())
}

func TestBroker_FanOutToMultipleSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	ctx := context.Background()

	var (
		mu     sync.Mutex
		counts [3]int
	)
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, b.SubscribeUpdates(ctx, func(tracking.OperationUpdatedEvent) error {
			mu.Lock()
			defer mu.Unlock()
			counts[i]++
			return nil
		}))
	}

	require.NoError(t, b.PublishUpdate(ctx, updateEvent("job-1")))

	mu.Lock()
	defer mu.Unlock()
	for i, n := range counts {
		assert.Equal(t, 1, n, "subscriber %d", i)
	}
}

func TestBroker_PublishWithoutSubscribersIsFine(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	ctx := context.Background()

	state := tracking.NewOperationState("job-1", time.Now())
	assert.NoError(t, b.PublishUpdate(ctx, tracking.NewOperationUpdatedEvent(state)))
	assert.NoError(t, b.PublishCompletion(ctx, tracking.NewOperationCompletedEvent(state)))
	assert.NoError(t, b.PublishFailure(ctx, tracking.NewOperationFailedEvent(state)))
}

func TestBroker_HandlerErrorStopsDelivery(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	ctx := context.Background()

	wantErr := errors.New("handler failed")
	require.NoError(t, b.SubscribeUpdates(ctx, func(tracking.OperationUpdatedEvent) error {
		return wantErr
	}))

	err := b.PublishUpdate(ctx, updateEvent("job-1"))
	assert.ErrorIs(t, err, wantErr)
}

func TestBroker_NilHandlerRejected(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	assert.Error(t, b.SubscribeUpdates(context.Background(), nil))
}

func TestBroker_SubscriptionEndsWithContext(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	subCtx, cancel := context.WithCancel(context.Background())

	var (
		mu    sync.Mutex
		count int
	)
	require.NoError(t, b.SubscribeUpdates(subCtx, func(tracking.OperationUpdatedEvent) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	}))

	require.NoError(t, b.PublishUpdate(context.Background(), updateEvent("job-1")))
	cancel()

	// Removal is asynchronous; wait for the handler list to drain.
	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.updateHandlers) == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, b.PublishUpdate(context.Background(), updateEvent("job-2")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestBroker_SubscribeWithDoneContextFails(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.SubscribeUpdates(ctx, func(tracking.OperationUpdatedEvent) error { return nil })
	assert.Error(t, err)
}

func TestBroker_CompletionAndFailureStreamsAreSeparate(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	ctx := context.Background()

	var (
		mu          sync.Mutex
		completions int
		failures    int
	)
	require.NoError(t, b.SubscribeCompletions(ctx, func(tracking.OperationCompletedEvent) error {
		mu.Lock()
		defer mu.Unlock()
		completions++
		return nil
	}))
	require.NoError(t, b.SubscribeFailures(ctx, func(tracking.OperationFailedEvent) error {
		mu.Lock()
		defer mu.Unlock()
		failures++
		return nil
	}))

	state := tracking.NewOperationState("job-1", time.Now())
	require.NoError(t, b.PublishCompletion(ctx, tracking.NewOperationCompletedEvent(state)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, completions)
	assert.Zero(t, failures)
}

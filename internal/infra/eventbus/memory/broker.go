// Package memory provides the in-process event bus behind the tracker
// registry. It is a lightweight, non-persistent fanout: delivery is
// best-effort within the process and nothing survives a restart, matching
// the engine's resumption-by-repolling model.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/datalens/opwatch/internal/domain/events"
	"github.com/datalens/opwatch/internal/domain/tracking"
)

type handlerList[T any] []func(T) error

// Broker fans operation events out to in-process subscribers. The registry
// publishes every authoritative state change here so dashboard-wide
// consumers (an activity feed, a notification center) can observe all
// operations with a single subscription instead of one per tracker.
type Broker struct {
	mu sync.RWMutex

	updateHandlers     handlerList[tracking.OperationUpdatedEvent]
	completionHandlers handlerList[tracking.OperationCompletedEvent]
	failureHandlers    handlerList[tracking.OperationFailedEvent]
}

// NewBroker creates an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{
		updateHandlers:     make(handlerList[tracking.OperationUpdatedEvent], 0),
		completionHandlers: make(handlerList[tracking.OperationCompletedEvent], 0),
		failureHandlers:    make(handlerList[tracking.OperationFailedEvent], 0),
	}
}

// subscribe registers a handler and removes it again when ctx is done.
func subscribe[T any](ctx context.Context, mu *sync.RWMutex, handlers *handlerList[T], handler func(T) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	mu.Lock()
	handlerIndex := len(*handlers)
	*handlers = append(*handlers, handler)
	mu.Unlock()

	go func() {
		<-ctx.Done()
		mu.Lock()
		defer mu.Unlock()
		if handlerIndex < len(*handlers) {
			*handlers = append((*handlers)[:handlerIndex], (*handlers)[handlerIndex+1:]...)
		}
	}()

	return nil
}

// publish invokes every registered handler, stopping at the first error.
// Handlers are copied before iteration so a handler subscribing or
// unsubscribing during delivery cannot deadlock the broker.
func publish[T any](ctx context.Context, mu *sync.RWMutex, handlers *handlerList[T], msg T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mu.RLock()
	handlersCopy := make([]func(T) error, len(*handlers))
	copy(handlersCopy, *handlers)
	mu.RUnlock()

	for _, handler := range handlersCopy {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(msg); err != nil {
			return err
		}
	}
	return nil
}

// PublishUpdate broadcasts an authoritative state change to all update
// subscribers.
func (b *Broker) PublishUpdate(ctx context.Context, evt tracking.OperationUpdatedEvent, _ ...events.PublishOption) error {
	return publish(ctx, &b.mu, &b.updateHandlers, evt)
}

// SubscribeUpdates registers a handler for every authoritative state change,
// across all tracked operations. The subscription lasts until ctx is done.
func (b *Broker) SubscribeUpdates(ctx context.Context, handler func(tracking.OperationUpdatedEvent) error) error {
	return subscribe(ctx, &b.mu, &b.updateHandlers, handler)
}

// PublishCompletion broadcasts a terminal Completed transition.
func (b *Broker) PublishCompletion(ctx context.Context, evt tracking.OperationCompletedEvent, _ ...events.PublishOption) error {
	return publish(ctx, &b.mu, &b.completionHandlers, evt)
}

// SubscribeCompletions registers a handler for Completed transitions. The
// subscription lasts until ctx is done.
func (b *Broker) SubscribeCompletions(ctx context.Context, handler func(tracking.OperationCompletedEvent) error) error {
	return subscribe(ctx, &b.mu, &b.completionHandlers, handler)
}

// PublishFailure broadcasts a terminal Failed transition, cancellations
// included.
func (b *Broker) PublishFailure(ctx context.Context, evt tracking.OperationFailedEvent, _ ...events.PublishOption) error {
	return publish(ctx, &b.mu, &b.failureHandlers, evt)
}

// SubscribeFailures registers a handler for Failed transitions. The
// subscription lasts until ctx is done.
func (b *Broker) SubscribeFailures(ctx context.Context, handler func(tracking.OperationFailedEvent) error) error {
	return subscribe(ctx, &b.mu, &b.failureHandlers, handler)
}

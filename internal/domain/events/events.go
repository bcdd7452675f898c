// Package events defines the minimal event contract shared by the tracking
// domain and the in-process bus: a typed marker interface plus publish
// options for keyed routing.
package events

import "time"

// EventType represents a domain event category, enabling type-safe routing
// without reflection on payload types.
type EventType string

// DomainEvent is implemented by every event the engine publishes. Events are
// immutable records of something that already happened; handlers must not
// retain and mutate them.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// PublishOption mutates PublishParams to configure event publication.
type PublishOption func(*PublishParams)

// PublishParams carries per-publish configuration.
type PublishParams struct {
	// Key groups related events so handlers can partition work by operation.
	Key string
}

// WithKey returns a PublishOption that sets the routing key, typically the
// job identifier.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

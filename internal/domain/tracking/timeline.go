package tracking

import "time"

// TimeProvider supplies the current time, allowing deterministic clocks in
// tests.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// RealTimeProvider returns a TimeProvider backed by the system clock.
func RealTimeProvider() TimeProvider { return realTimeProvider{} }

// Timeline tracks the temporal span of one tracker's observation of an
// operation: when tracking started, when it last saw a change, and when the
// operation terminated.
type Timeline struct {
	startedAt    time.Time
	terminatedAt time.Time
	lastActivity time.Time
	timeProvider TimeProvider
}

// NewTimeline creates a Timeline anchored at the provider's current time.
func NewTimeline(timeProvider TimeProvider) *Timeline {
	now := timeProvider.Now()
	return &Timeline{
		startedAt:    now,
		lastActivity: now,
		timeProvider: timeProvider,
	}
}

// StartedAt returns when tracking began.
func (t *Timeline) StartedAt() time.Time { return t.startedAt }

// TerminatedAt returns when the tracked operation reached a terminal phase.
func (t *Timeline) TerminatedAt() time.Time { return t.terminatedAt }

// LastActivity returns when the tracker last folded an accepted snapshot.
func (t *Timeline) LastActivity() time.Time { return t.lastActivity }

// MarkActivity records that an accepted snapshot was folded.
func (t *Timeline) MarkActivity() { t.lastActivity = t.timeProvider.Now() }

// MarkTerminated records the terminal transition time.
func (t *Timeline) MarkTerminated() {
	t.terminatedAt = t.timeProvider.Now()
	t.lastActivity = t.terminatedAt
}

// IsTerminated reports whether the terminal transition has been recorded.
func (t *Timeline) IsTerminated() bool { return !t.terminatedAt.IsZero() }

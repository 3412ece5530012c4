package eventbus

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handler handles an event. Returning an error reports a handler failure;
// returning ErrStopPropagation ends delivery of this event to lower
// priority handlers.
//
// Handlers run on the bus dispatch loop. Expensive work should respect
// ctx and return promptly; the loop does not dispatch the next handler
// until this one returns (or times out when a handler timeout is set).
type Handler func(ctx context.Context, event Event) error

// Subscription is a revocable handle returned by Subscribe.
type Subscription struct {
	id        string
	seq       uint64
	eventType string
	module    string
	priority  Priority
	handler   Handler
	filter    func(Event) bool
	bus       *Bus
	cancelled atomic.Bool
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*Subscription)

// WithFilter skips events for which fn returns false.
func WithFilter(fn func(Event) bool) SubscribeOption {
	return func(s *Subscription) {
		s.filter = fn
	}
}

func newSubscription(eventType, module string, priority Priority, handler Handler) *Subscription {
	return &Subscription{
		id:        uuid.New().String(),
		eventType: eventType,
		module:    module,
		priority:  priority,
		handler:   handler,
	}
}

// ID returns the unique subscription identifier.
func (s *Subscription) ID() string { return s.id }

// EventType returns the subscribed type or pattern.
func (s *Subscription) EventType() string { return s.eventType }

// Module returns the owning module name.
func (s *Subscription) Module() string { return s.module }

// Priority returns the handler priority.
func (s *Subscription) Priority() Priority { return s.priority }

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return !s.cancelled.Load() }

// Cancel revokes the subscription. It is idempotent. An event already being
// dispatched will not reach this handler if it has not run yet.
func (s *Subscription) Cancel() error {
	if s.bus == nil {
		s.cancelled.Store(true)
		return nil
	}
	return s.bus.Unsubscribe(s)
}

// matchesTopic checks if an event type matches a subscription pattern.
// "*" matches everything and a trailing "*" matches by prefix, so
// "module.*" matches "module.loaded".
func matchesTopic(eventType, pattern string) bool {
	if eventType == pattern || pattern == "*" {
		return true
	}
	if n := len(pattern); n > 1 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(eventType) >= len(prefix) && eventType[:len(prefix)] == prefix
	}
	return false
}

package eventbus

import "context"

// Scope is a module's view of the bus: events it publishes carry the
// module as their source and its subscriptions are owned by the module.
type Scope struct {
	bus    *Bus
	module string
}

// Scope returns a module-scoped handle on the bus.
func (b *Bus) Scope(module string) *Scope {
	return &Scope{bus: b, module: module}
}

// Module returns the owning module name.
func (s *Scope) Module() string { return s.module }

// Publish publishes an event sourced from the module.
func (s *Scope) Publish(eventType string, payload any, priority Priority) error {
	return s.bus.Publish(NewEvent(eventType, s.module, payload, priority))
}

// PublishAndWait publishes an event sourced from the module and waits for
// its handlers to finish.
func (s *Scope) PublishAndWait(ctx context.Context, eventType string, payload any, priority Priority) error {
	return s.bus.PublishAndWait(ctx, NewEvent(eventType, s.module, payload, priority))
}

// Subscribe registers a handler owned by the module.
func (s *Scope) Subscribe(eventType string, handler Handler, priority Priority, opts ...SubscribeOption) (*Subscription, error) {
	return s.bus.Subscribe(eventType, handler, s.module, priority, opts...)
}

// UnsubscribeAll revokes every subscription owned by the module.
func (s *Scope) UnsubscribeAll() int {
	return s.bus.UnsubscribeModule(s.module)
}

// History returns the bus history buffer.
func (s *Scope) History() *History {
	return s.bus.History()
}

package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// SourceCore is the source recorded on events emitted by the orchestration
// core rather than by a module.
const SourceCore = "core"

// Event types emitted by the bus itself.
const (
	// EventHandlerFailed is published when a handler returns an error,
	// panics or exceeds the handler timeout. Its payload is a HandlerFailure.
	EventHandlerFailed = "handler.failed"
)

// Event is a typed, prioritized message. Events are passed by value, so a
// published event cannot be changed by publishers or handlers afterwards.
type Event struct {
	// ID uniquely identifies the event. Assigned on publish when empty.
	ID string `json:"id"`

	// Type is the routing tag subscribers match against, e.g. "module.loaded".
	Type string `json:"type"`

	// Payload is opaque structured data. Handlers must treat it as read-only.
	Payload any `json:"payload,omitempty"`

	// Priority decides the event's queue position.
	Priority Priority `json:"priority"`

	// Source is the originating module name, or SourceCore.
	Source string `json:"source"`

	// Timestamp is set on publish when zero.
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an event with a fresh ID and the current time.
func NewEvent(eventType, source string, payload any, priority Priority) Event {
	return Event{
		ID:        newEventID(),
		Type:      eventType,
		Payload:   payload,
		Priority:  priority,
		Source:    source,
		Timestamp: time.Now(),
	}
}

// HandlerFailure is the payload of EventHandlerFailed.
type HandlerFailure struct {
	EventID        string `json:"eventId"`
	EventType      string `json:"eventType"`
	Module         string `json:"module"`
	SubscriptionID string `json:"subscriptionId"`
	Error          string `json:"error"`
}

// newEventID generates a time-ordered UUIDv7, falling back to v4.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

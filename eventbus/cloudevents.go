package eventbus

import (
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// ExtensionPriority is the CloudEvents extension attribute carrying the
// event priority name.
const ExtensionPriority = "priority"

// ToCloudEvent converts a bus event into a CloudEvent. The payload is
// encoded as JSON and the priority travels as an extension.
func ToCloudEvent(e Event) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetSpecVersion(cloudevents.VersionV1)
	ce.SetID(e.ID)
	ce.SetType(e.Type)
	ce.SetSource(e.Source)
	ce.SetTime(e.Timestamp)
	ce.SetExtension(ExtensionPriority, e.Priority.String())

	if e.Payload != nil {
		if err := ce.SetData(cloudevents.ApplicationJSON, e.Payload); err != nil {
			return ce, fmt.Errorf("encoding payload of %s: %w", e.Type, err)
		}
	}
	if err := ce.Validate(); err != nil {
		return ce, fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return ce, nil
}

// FromCloudEvent converts a CloudEvent back into a bus event. JSON data is
// decoded into generic values; a missing priority extension means Normal.
func FromCloudEvent(ce cloudevents.Event) (Event, error) {
	e := Event{
		ID:        ce.ID(),
		Type:      ce.Type(),
		Source:    ce.Source(),
		Timestamp: ce.Time(),
		Priority:  PriorityNormal,
	}

	if raw, ok := ce.Extensions()[ExtensionPriority]; ok {
		p, err := ParsePriority(fmt.Sprint(raw))
		if err != nil {
			return e, err
		}
		e.Priority = p
	}

	if len(ce.Data()) > 0 {
		var payload any
		if err := ce.DataAs(&payload); err != nil {
			return e, fmt.Errorf("decoding payload of %s: %w", e.Type, err)
		}
		e.Payload = payload
	}
	return e, nil
}

// HistoryCloudEvents returns the retained history matching f as CloudEvents.
// Events whose payload cannot be encoded are skipped.
func (b *Bus) HistoryCloudEvents(f HistoryFilter) []cloudevents.Event {
	events := b.history.Query(f)
	out := make([]cloudevents.Event, 0, len(events))
	for _, e := range events {
		ce, err := ToCloudEvent(e)
		if err != nil {
			b.logger.Debug("Skipping history event", "event", e.Type, "error", err)
			continue
		}
		out = append(out, ce)
	}
	return out
}

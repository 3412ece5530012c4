package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloudEventRoundTrip(t *testing.T) {
	original := NewEvent("client.message", "network", map[string]any{"client": "c1", "text": "hi"}, PriorityHigh)

	ce, err := ToCloudEvent(original)
	require.NoError(t, err)
	assert.Equal(t, original.ID, ce.ID())
	assert.Equal(t, "network", ce.Source())
	assert.Equal(t, "high", ce.Extensions()[ExtensionPriority])

	back, err := FromCloudEvent(ce)
	require.NoError(t, err)
	assert.Equal(t, original.ID, back.ID)
	assert.Equal(t, original.Type, back.Type)
	assert.Equal(t, PriorityHigh, back.Priority)
	assert.Equal(t, map[string]any{"client": "c1", "text": "hi"}, back.Payload)
}

func TestHistoryCloudEvents(t *testing.T) {
	bus := New()
	require.NoError(t, bus.Publish(NewEvent("module.loaded", SourceCore, map[string]string{"module": "sqlite"}, PriorityHigh)))
	require.NoError(t, bus.Publish(NewEvent("server.tick", SourceCore, nil, PriorityLow)))

	events := bus.HistoryCloudEvents(HistoryFilter{Type: "module.*"})
	require.Len(t, events, 1)
	assert.Equal(t, "module.loaded", events[0].Type())
}

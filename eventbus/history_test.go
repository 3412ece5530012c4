package eventbus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRetainsMostRecent(t *testing.T) {
	const capacity = 4
	for _, extra := range []int{1, 3, 9} {
		t.Run(fmt.Sprintf("N+%d", extra), func(t *testing.T) {
			h := NewHistory(capacity)
			for i := 0; i < capacity+extra; i++ {
				h.Append(Event{Type: fmt.Sprintf("e%d", i)})
			}

			events := h.Events()
			require.Len(t, events, capacity)
			for i, e := range events {
				assert.Equal(t, fmt.Sprintf("e%d", extra+i), e.Type)
			}
		})
	}
}

func TestHistoryDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultHistorySize, NewHistory(0).Cap())
	assert.Equal(t, 0, NewHistory(5).Len())
}

func TestHistoryQuery(t *testing.T) {
	h := NewHistory(10)
	base := time.Now()
	h.Append(Event{Type: "module.loaded", Source: SourceCore, Timestamp: base})
	h.Append(Event{Type: "client.connected", Source: "network", Timestamp: base.Add(time.Second)})
	h.Append(Event{Type: "module.enabled", Source: SourceCore, Timestamp: base.Add(2 * time.Second)})
	h.Append(Event{Type: "module.enabled", Source: SourceCore, Timestamp: base.Add(3 * time.Second)})

	assert.Len(t, h.Query(HistoryFilter{Type: "module.*"}), 3)
	assert.Len(t, h.Query(HistoryFilter{Source: "network"}), 1)
	assert.Len(t, h.Query(HistoryFilter{Since: base.Add(2 * time.Second)}), 2)

	limited := h.Query(HistoryFilter{Type: "module.*", Limit: 2})
	require.Len(t, limited, 2)
	assert.Equal(t, base.Add(3*time.Second), limited[1].Timestamp)
}

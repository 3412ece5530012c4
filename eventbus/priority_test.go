package eventbus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	tests := map[string]Priority{
		"low":      PriorityLow,
		"Normal":   PriorityNormal,
		" HIGH ":   PriorityHigh,
		"critical": PriorityCritical,
	}
	for in, want := range tests {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParsePriority("urgent")
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestPriorityOrdering(t *testing.T) {
	assert.Greater(t, PriorityCritical, PriorityHigh)
	assert.Greater(t, PriorityHigh, PriorityNormal)
	assert.Greater(t, PriorityNormal, PriorityLow)
	assert.Equal(t, "priority(7)", Priority(7).String())
}

func TestPriorityJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		P Priority `json:"p"`
	}{PriorityHigh})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"high"}`, string(data))

	var out struct {
		P Priority `json:"p"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"p":"critical"}`), &out))
	assert.Equal(t, PriorityCritical, out.P)
}

package eventbus

import (
	"fmt"
	"strings"
)

// Priority orders both queued events (event priority) and the handlers
// invoked for a single event (handler priority). Higher values win.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// numPriorities is the number of queue bands.
const numPriorities = int(PriorityCritical) + 1

var priorityNames = [numPriorities]string{"low", "normal", "high", "critical"}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority parses a case-insensitive priority name.
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range priorityNames {
		if n == name {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

// MarshalText lets priorities appear by name in YAML, TOML and JSON.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

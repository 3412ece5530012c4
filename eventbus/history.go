package eventbus

import (
	"sync"
	"time"
)

// DefaultHistorySize is used when a non-positive capacity is configured.
const DefaultHistorySize = 1000

// History is a bounded ring buffer of published events. When full, the
// oldest entry is evicted first.
type History struct {
	mu    sync.RWMutex
	buf   []Event
	start int
	size  int
}

// HistoryFilter narrows a History query. Zero fields match everything.
type HistoryFilter struct {
	Type   string
	Source string
	Since  time.Time
	// Limit keeps only the most recent matches when > 0.
	Limit int
}

// NewHistory creates a history buffer holding at most capacity events.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]Event, capacity)}
}

// Append records an event, evicting the oldest entry when full.
func (h *History) Append(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = e
		h.size++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of retained events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap returns the configured capacity.
func (h *History) Cap() int {
	return len(h.buf)
}

// Events returns the retained events, oldest first.
func (h *History) Events() []Event {
	return h.Query(HistoryFilter{})
}

// Query returns matching events, oldest first.
func (h *History) Query(f HistoryFilter) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		e := h.buf[(h.start+i)%len(h.buf)]
		if f.Type != "" && !matchesTopic(e.Type, f.Type) {
			continue
		}
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

package notify

import (
	"context"
	"sync"
)

// MemorySink keeps the most recent events for the HTTP API to poll.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
}

// NewMemorySink keeps up to capacity events.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 200
	}
	return &MemorySink{events: make([]Event, capacity)}
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Send(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[m.next] = ev
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Recent returns up to limit events, newest first, optionally filtered by
// team and kind. Empty filters match everything.
func (m *MemorySink) Recent(limit int, teamID string, kind Kind) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.next
	if m.full {
		n = len(m.events)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (m.next - 1 - i + len(m.events)) % len(m.events)
		ev := m.events[idx]
		if teamID != "" && ev.TeamID != teamID {
			continue
		}
		if kind != "" && ev.Kind != kind {
			continue
		}
		out = append(out, ev)
	}
	return out
}

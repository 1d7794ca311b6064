package archive

import (
	"context"
	"sync"

	"github.com/whisper/relay/internal/relay"
)

// Memory keeps the newest records in a fixed-size ring. It implements
// relay.Persistence for single-process deployments with no database.
type Memory struct {
	mu    sync.RWMutex
	items []Record
	pos   int // next write slot
	count int
}

var _ relay.Persistence = (*Memory)(nil)

// NewMemory creates a ring holding up to capacity records. A non-positive
// capacity falls back to RecentLimit.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = RecentLimit
	}
	return &Memory{items: make([]Record, capacity)}
}

// LogMessage records msg, overwriting the oldest record when full.
func (m *Memory) LogMessage(_ context.Context, msg relay.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[m.pos] = RecordFromMessage(msg)
	m.pos = (m.pos + 1) % len(m.items)
	if m.count < len(m.items) {
		m.count++
	}
	return nil
}

// PurgeAll forgets every record.
func (m *Memory) PurgeAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.items {
		m.items[i] = Record{}
	}
	m.pos, m.count = 0, 0
	return nil
}

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (m *Memory) Recent(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.count
	if limit > 0 && limit < n {
		n = limit
	}
	size := len(m.items)
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = m.items[(m.pos-1-i+size)%size]
	}
	return out, nil
}

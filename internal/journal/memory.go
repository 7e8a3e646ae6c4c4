package journal

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process [Store]. It is used when no database is configured
// and in tests.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty [Memory] store.
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]int), now: time.Now}
}

// Append implements [Store].
func (m *Memory) Append(_ context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.RecordedAt.IsZero() {
		e.RecordedAt = m.now()
	}
	if i, ok := m.byID[e.ID]; ok {
		m.entries[i] = e
		return nil
	}
	m.byID[e.ID] = len(m.entries)
	m.entries = append(m.entries, e)
	return nil
}

// List implements [Store].
func (m *Memory) List(_ context.Context, conversationID string, limit int) ([]Entry, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Entry{}
	for _, e := range m.entries {
		if e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b Entry) int {
		return b.ClosedAt.Compare(a.ClosedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return m.entries[i], nil
}

// Ping implements [Store]. It never fails.
func (m *Memory) Ping(context.Context) error { return nil }

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

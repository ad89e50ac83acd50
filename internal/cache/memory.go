package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store backed by a synchronized map. It is the
// default cache for library consumers that do not configure persistence,
// and doubles as the test substitute for the SQLite backend: the error
// injection fields let tests exercise the miss-on-failure path.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	// Error injection for tests.
	GetError error
	PutError error
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*Entry),
	}
}

// Get retrieves an entry by identity key.
func (m *Memory) Get(ctx context.Context, key string) (*Entry, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[key], nil
}

// Put stores an entry, replacing any previous one for the same key.
func (m *Memory) Put(ctx context.Context, key string, entry *Entry) error {
	if m.PutError != nil {
		return m.PutError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *entry
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	m.entries[key] = &e
	return nil
}

// Prune removes entries older than maxAge.
func (m *Memory) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.entries {
		if entry.StoredAt.Before(cutoff) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

// EvictOver removes oldest entries until at most maxEntries remain.
func (m *Memory) EvictOver(ctx context.Context, maxEntries int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) <= maxEntries {
		return 0, nil
	}

	type aged struct {
		key string
		ts  time.Time
	}
	all := make([]aged, 0, len(m.entries))
	for key, entry := range m.entries {
		all = append(all, aged{key, entry.StoredAt})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ts.Equal(all[j].ts) {
			return all[i].key < all[j].key
		}
		return all[i].ts.Before(all[j].ts)
	})

	removed := 0
	for _, a := range all[:len(all)-maxEntries] {
		delete(m.entries, a.key)
		removed++
	}
	return removed, nil
}

// Count returns the number of stored entries.
func (m *Memory) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store used by default and in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

// Get returns the value for key and whether it exists.
func (m *MemoryStore) Get(_ context.Context, key Key) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key.String()]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set stores a value for key.
func (m *MemoryStore) Set(_ context.Context, key Key, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.mu.Lock()
	m.items[key.String()] = stored
	m.mu.Unlock()
	return nil
}

// Delete removes key and reports whether it existed.
func (m *MemoryStore) Delete(_ context.Context, key Key) (bool, error) {
	k := key.String()
	m.mu.Lock()
	_, ok := m.items[k]
	delete(m.items, k)
	m.mu.Unlock()
	return ok, nil
}

// List returns all entries under prefix in key order.
func (m *MemoryStore) List(_ context.Context, prefix Key) ([]Entry, error) {
	p := prefix.String()
	if p != "" {
		p += "/"
	}

	m.mu.RLock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		v := m.items[k]
		out := make([]byte, len(v))
		copy(out, v)
		entries = append(entries, Entry{Key: parseKey(k), Value: out})
	}
	m.mu.RUnlock()
	return entries, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

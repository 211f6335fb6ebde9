// cache/inmemory.go
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// InMemoryStore is a thread-safe, process-local EntryStore.
// It is the default backend and the fake used in tests.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]Entry
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]Entry),
	}
}

// Fetch retrieves an entry from the store.
func (s *InMemoryStore) Fetch(_ context.Context, key string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.data[key]
	if !ok {
		return Entry{}, fmt.Errorf("key '%s': %w", key, ErrNotFound)
	}
	return entry, nil
}

// Set stores an entry.
func (s *InMemoryStore) Set(_ context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry
	return nil
}

// Delete removes a key.
func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Clear removes every key with the given prefix.
func (s *InMemoryStore) Clear(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			delete(s.data, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored entries.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close is a no-op for the in-memory implementation.
func (s *InMemoryStore) Close() error {
	return nil
}

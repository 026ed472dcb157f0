package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Entries expire after the session
// lifetime and are dropped lazily on read. Used in tests and acceptable for
// single-instance deployments that can shed sessions on restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Register stores a copy of value under (sessionID, key).
func (s *MemoryStore) Register(_ context.Context, sessionID, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, len(value))
	copy(buf, value)
	s.entries[sessionID+"\x00"+key] = memoryEntry{
		value:     buf,
		expiresAt: time.Now().Add(Lifetime),
	}
	return nil
}

// Get retrieves the entry for (sessionID, key), treating expired entries as absent.
func (s *MemoryStore) Get(_ context.Context, sessionID, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[sessionID+"\x00"+key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, sessionID+"\x00"+key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Unregister removes the entry for (sessionID, key).
func (s *MemoryStore) Unregister(_ context.Context, sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, sessionID+"\x00"+key)
	return nil
}

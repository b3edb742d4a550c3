package storage

import (
	"context"
	"net/url"
	"sync"
	"time"
)

func init() {
	Register(func(context.Context, *url.URL, string) (DocumentStore, error) {
		return NewMemoryStore(), nil
	}, "memory", "mem")
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore keeps documents in process memory. Contents are lost on exit.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]memoryEntry
	now  func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

// Get implements DocumentStore.
func (m *MemoryStore) Get(_ context.Context, roomID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.docs[roomID]
	if !exists {
		return nil, ErrNotFound
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.docs, roomID)
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.data...), nil
}

// Put implements DocumentStore.
func (m *MemoryStore) Put(_ context.Context, roomID string, data []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.docs[roomID] = memoryEntry{
		data:      append([]byte(nil), data...),
		expiresAt: expiresAt,
	}
	return nil
}

// Delete implements DocumentStore.
func (m *MemoryStore) Delete(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs, roomID)
	return nil
}

// Len returns the number of stored documents, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.docs)
}

// Close implements DocumentStore.
func (m *MemoryStore) Close() error {
	return nil
}

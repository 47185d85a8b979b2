package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for single-instance deployments
// (the embedded SQLite mode) and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry), now: time.Now}
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	c := *e
	return &c, nil
}

// Start implements Store
func (m *MemoryStore) Start(_ context.Context, key, handlerName string, payload json.RawMessage, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		e.Status = StatusStarted
		e.Payload = payload
		e.UpdatedAt = now
		return nil
	}
	m.entries[key] = &Entry{
		Key:         key,
		HandlerName: handlerName,
		Status:      StatusStarted,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   &expiresAt,
	}
	return nil
}

// SetStatus implements Store
func (m *MemoryStore) SetStatus(_ context.Context, key string, status Status, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = status
	if len(result) > 0 {
		e.Result = result
	}
	e.UpdatedAt = m.now()
	return nil
}

// Cleanup implements Store
func (m *MemoryStore) Cleanup(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

package semantic

import (
	"context"
	"errors"
	"slices"
	"sync"
)

var errClosed = errors.New("store closed")

// MemoryStore keeps records in a map. Nothing survives the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// MemoryOpener opens a fresh MemoryStore.
func MemoryOpener() Opener {
	return func(context.Context) (Backend, error) { return NewMemoryStore(), nil }
}

func (m *MemoryStore) Upsert(_ context.Context, recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		return errClosed
	}
	for _, r := range recs {
		r.Vector = slices.Clone(r.Vector)
		m.records[r.ID] = r
	}
	return nil
}

func (m *MemoryStore) Query(_ context.Context, vector []float32, k int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.records == nil {
		return nil, errClosed
	}
	recs := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		recs = append(recs, r)
	}
	return topK(vector, recs, k)
}

func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// Get returns the stored record for id.
func (m *MemoryStore) Get(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	return r, ok
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	return nil
}

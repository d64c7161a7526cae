package store

import (
	"context"
	"sync"
)

// MemoryStore keeps records in memory. Used when no database is configured and in tests
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore creates empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make([]Record, 0),
	}
}

// Save implements Sink
func (m *MemoryStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// ConfirmedViolations implements Querier
func (m *MemoryStore) ConfirmedViolations(ctx context.Context, limit, offset int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit, offset = ClampPage(limit, offset)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, limit)
	skipped := 0
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if !m.records[i].Confirmed {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, m.records[i])
	}
	return out, nil
}

// All returns copy of all records in insertion order
func (m *MemoryStore) All() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Len returns number of records
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

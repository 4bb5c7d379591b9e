package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. History does not survive a restart.
type Memory struct {
	mu      sync.Mutex
	records map[string]BroadcastRecord
}

func NewMemory() *Memory {
	return &Memory{records: map[string]BroadcastRecord{}}
}

func (m *Memory) PutBroadcast(_ context.Context, rec BroadcastRecord) error {
	stamp(&rec)
	m.mu.Lock()
	m.records[Key(rec.Author, rec.Timestamp)] = cloneRecord(rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetBroadcast(_ context.Context, author string, ts int64) (BroadcastRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[Key(author, ts)]
	if !ok {
		return BroadcastRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) DeleteBroadcastsBefore(_ context.Context, cutoff time.Time) (int, error) {
	limit := cutoff.UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.records {
		if rec.CreatedAt < limit {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }

package store

import (
	"context"
	"sync"
	"time"

	"mangoscan/pkg/domain"
)

// MemoryStore keeps analyses in-process. Used by tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	clock   *monotonicClock
	records []domain.AnalysisRecord // insertion order
	byOwner map[string][]int
	failErr error
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clock:   newMonotonicClock(time.Microsecond),
		byOwner: make(map[string][]int),
	}
}

// FailWith makes subsequent calls fail with err (nil restores normal behaviour).
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

// InsertAnalysis stores a new record for ownerID.
func (m *MemoryStore) InsertAnalysis(ctx context.Context, ownerID, filename string, result domain.ClassificationResult) (domain.AnalysisRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.AnalysisRecord{}, wrapPersistence("insert analysis", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return domain.AnalysisRecord{}, wrapPersistence("insert analysis", m.failErr)
	}
	rec, err := newRecord(ownerID, filename, result, m.clock.Next())
	if err != nil {
		return domain.AnalysisRecord{}, err
	}
	m.records = append(m.records, rec)
	m.byOwner[rec.UserID] = append(m.byOwner[rec.UserID], len(m.records)-1)
	return copyRecord(rec), nil
}

// ListAnalysesByOwner returns ownerID's records newest first.
func (m *MemoryStore) ListAnalysesByOwner(ctx context.Context, ownerID string) ([]domain.AnalysisRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapPersistence("list analyses", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, wrapPersistence("list analyses", m.failErr)
	}
	idx := m.byOwner[ownerID]
	res := make([]domain.AnalysisRecord, 0, len(idx))
	for i := len(idx) - 1; i >= 0; i-- {
		res = append(res, copyRecord(m.records[idx[i]]))
	}
	return res, nil
}

// Ping reports the configured failure, if any.
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return wrapPersistence("ping", m.failErr)
	}
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// Len returns the total number of stored records across all owners.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func copyRecord(rec domain.AnalysisRecord) domain.AnalysisRecord {
	rec.Practices = append([]string(nil), rec.Practices...)
	return rec
}

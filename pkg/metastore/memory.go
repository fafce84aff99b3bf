package metastore

import (
	"context"
	"sync"
	"time"
)

type recordKey struct {
	tenantID string
	assetID  string
}

// MemoryStore is an in-process store for embedded pipelines and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]*Record
	changes []ChangeRecord
	cursors map[string]int64
	seq     int64
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[recordKey]*Record),
		cursors: make(map[string]int64),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Get(_ context.Context, tenantID, assetID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{tenantID, assetID}]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Deleted() {
		return nil, ErrDeleted
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Register(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{rec.TenantID, rec.AssetID}
	if _, exists := s.records[key]; exists {
		return nil
	}
	stored := rec.Clone()
	stored.Version = 0
	stored.UpdatedAt = s.clock()
	if stored.Attributes == nil {
		stored.Attributes = make(map[string]string)
	}
	s.records[key] = stored
	return nil
}

func (s *MemoryStore) CompareAndPut(_ context.Context, rec *Record, expectedVersion int64, changed []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{rec.TenantID, rec.AssetID}
	current, ok := s.records[key]
	if !ok {
		return 0, ErrNotFound
	}
	if current.Deleted() {
		return 0, ErrDeleted
	}
	if current.Version != expectedVersion {
		return 0, ErrVersionConflict
	}

	now := s.clock()
	next := rec.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = now
	s.records[key] = next

	s.seq++
	s.changes = append(s.changes, ChangeRecord{
		Seq:               s.seq,
		AssetID:           rec.AssetID,
		TenantID:          rec.TenantID,
		PreviousVersion:   expectedVersion,
		NewVersion:        next.Version,
		ChangedAttributes: append([]string(nil), changed...),
		EmittedAt:         now,
	})
	return next.Version, nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{tenantID, assetID}
	current, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	if current.Deleted() {
		return nil
	}

	now := s.clock()
	next := current.Clone()
	next.DeletedAt = &now
	next.Version = current.Version + 1
	next.UpdatedAt = now
	s.records[key] = next

	s.seq++
	s.changes = append(s.changes, ChangeRecord{
		Seq:             s.seq,
		AssetID:         assetID,
		TenantID:        tenantID,
		PreviousVersion: current.Version,
		NewVersion:      next.Version,
		EmittedAt:       now,
	})
	return nil
}

func (s *MemoryStore) Changes(_ context.Context, afterSeq int64, limit int) ([]ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ChangeRecord
	for _, cr := range s.changes {
		if cr.Seq <= afterSeq {
			continue
		}
		out = append(out, cr)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Cursor(_ context.Context, consumer string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[consumer], nil
}

func (s *MemoryStore) SaveCursor(_ context.Context, consumer string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[consumer] = seq
	return nil
}

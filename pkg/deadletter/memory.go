package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process quarantine for embedded pipelines and tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

func (s *MemoryStore) Append(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return nil
	}
	cp := *item
	cp.Payload = append([]byte(nil), item.Payload...)
	s.items[item.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string, from, to time.Time, limit int) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to.IsZero() {
		to = maxListTime
	}
	var out []*Item
	for _, item := range s.items {
		if item.TenantID != tenantID {
			continue
		}
		if item.CreatedAt.Before(from) || !item.CreatedAt.Before(to) {
			continue
		}
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkReplayed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	item.ReplayedAt = &at
	return nil
}

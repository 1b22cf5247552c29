package datarequest

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryRepo is an in-memory Repository used in tests and single-node setups
// without a database.
type memoryRepo struct {
	mu    sync.RWMutex
	items map[string]*DataRequest
}

func NewMemoryRepo() Repository {
	return &memoryRepo{items: make(map[string]*DataRequest)}
}

func sameProject(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (r *memoryRepo) Create(_ context.Context, dr *DataRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[dr.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range r.items {
		if existing.ExchangeID == dr.ExchangeID && sameProject(existing.ProjectID, dr.ProjectID) {
			return ErrDuplicate
		}
	}
	cp := *dr
	r.items[dr.ID] = &cp
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id string) (*DataRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dr, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *dr
	return &cp, nil
}

func (r *memoryRepo) GetByExchangeAndProject(_ context.Context, exchangeID string, projectID *string) (*DataRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dr := range r.items {
		if dr.ExchangeID == exchangeID && sameProject(dr.ProjectID, projectID) {
			cp := *dr
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepo) List(_ context.Context) ([]*DataRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]*DataRequest, 0, len(r.items))
	for _, dr := range r.items {
		cp := *dr
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

func (r *memoryRepo) UpdateStatus(_ context.Context, id string, status Status, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dr, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	dr.Status = status
	dr.Message = &message
	dr.UpdatedAt = time.Now().UTC()
	return nil
}

// memorySyncState keeps the window end in memory.
type memorySyncState struct {
	mu        sync.RWMutex
	windowEnd time.Time
}

func NewMemorySyncState() SyncStateRepository {
	return &memorySyncState{}
}

func (s *memorySyncState) LastWindowEnd(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.windowEnd, nil
}

func (s *memorySyncState) SetLastWindowEnd(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windowEnd = t
	return nil
}

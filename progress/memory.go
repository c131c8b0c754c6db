package progress

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in a process-local map.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Progress
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Progress),
		now:     time.Now,
	}
}

func (s *MemoryStore) Start(_ context.Context, jobID string, total int) error {
	rec := newRecord(jobID, total, s.now())
	s.mu.Lock()
	s.records[jobID] = &rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) mutate(jobID string, fn func(*Progress) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok {
		return false
	}
	return fn(rec)
}

func (s *MemoryStore) Update(_ context.Context, jobID string, delta Delta) error {
	now := s.now()
	s.mutate(jobID, func(p *Progress) bool { return applyDelta(p, delta, now) })
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, jobID string) error {
	now := s.now()
	s.mutate(jobID, func(p *Progress) bool { return finish(p, StatusCompleted, "", now) })
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, jobID string, reason string) error {
	now := s.now()
	s.mutate(jobID, func(p *Progress) bool { return finish(p, StatusFailed, reason, now) })
	return nil
}

func (s *MemoryStore) Cancel(_ context.Context, jobID string) (bool, error) {
	now := s.now()
	return s.mutate(jobID, func(p *Progress) bool { return markCancelled(p, now) }), nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (Progress, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	if !ok {
		return Progress{}, false, nil
	}
	snapshot := *rec
	if rec.CompletedAt != nil {
		ts := *rec.CompletedAt
		snapshot.CompletedAt = &ts
	}
	return snapshot, true, nil
}

func (s *MemoryStore) IsCancelled(_ context.Context, jobID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	return ok && rec.Cancelled, nil
}

func (s *MemoryStore) Clear(_ context.Context, jobID string) error {
	s.mu.Lock()
	delete(s.records, jobID)
	s.mu.Unlock()
	return nil
}

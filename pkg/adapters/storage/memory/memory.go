package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/ports"
)

// InMemoryRunStore implements RunStore using an in-memory map
type InMemoryRunStore struct {
	runs map[string]*domain.Run
	mu   sync.RWMutex
}

// NewInMemoryRunStore creates a new in-memory run store
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{
		runs: make(map[string]*domain.Run),
	}
}

// SaveRun stores a copy of the run
func (s *InMemoryRunStore) SaveRun(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun retrieves a copy of a run
func (s *InMemoryRunStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return run.Clone(), nil
}

// ListRuns returns matching runs, newest first
func (s *InMemoryRunStore) ListRuns(ctx context.Context, filter ports.RunFilter) ([]*domain.Run, error) {
	s.mu.RLock()
	runs := make([]*domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Matches(run) {
			runs = append(runs, run.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// DeleteRun removes a run
func (s *InMemoryRunStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, runID)
	return nil
}

// Close is a no-op for the in-memory store
func (s *InMemoryRunStore) Close() error {
	return nil
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/risk-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	simulations map[string]*model.SimulationRecord
	allocations map[string]*model.AllocationRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		simulations: make(map[string]*model.SimulationRecord),
		allocations: make(map[string]*model.AllocationRecord),
	}
}

func (s *MemoryStore) SaveSimulation(_ context.Context, r *model.SimulationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.simulations[r.ID]; ok {
		return fmt.Errorf("simulation %s already exists", r.ID)
	}

	// Store a copy to avoid external mutation.
	copy := *r
	s.simulations[r.ID] = &copy
	return nil
}

func (s *MemoryStore) GetSimulation(_ context.Context, id string) (*model.SimulationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.simulations[id]
	if !ok {
		return nil, fmt.Errorf("simulation %s: %w", id, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) ListSimulations(_ context.Context, limit int) ([]model.SimulationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*model.SimulationRecord, 0, len(s.simulations))
	for _, r := range s.simulations {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	limit = normalizeLimit(limit)
	if len(records) > limit {
		records = records[:limit]
	}

	summaries := make([]model.SimulationSummary, 0, len(records))
	for _, r := range records {
		summaries = append(summaries, r.Summary())
	}
	return summaries, nil
}

func (s *MemoryStore) SaveAllocation(_ context.Context, r *model.AllocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.allocations[r.ID]; ok {
		return fmt.Errorf("allocation %s already exists", r.ID)
	}
	copy := *r
	s.allocations[r.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAllocation(_ context.Context, id string) (*model.AllocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.allocations[id]
	if !ok {
		return nil, fmt.Errorf("allocation %s: %w", id, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) PruneBefore(_ context.Context, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, r := range s.simulations {
		if r.CreatedAt.Before(t) {
			delete(s.simulations, id)
			removed++
		}
	}
	for id, r := range s.allocations {
		if r.CreatedAt.Before(t) {
			delete(s.allocations, id)
			removed++
		}
	}
	return removed, nil
}

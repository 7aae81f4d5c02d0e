package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/risk-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Records are immutable, so writes go to the primary store and warm
// the cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, warm cache) ---

func (s *CachedStore) SaveSimulation(ctx context.Context, r *model.SimulationRecord) error {
	if err := s.primary.SaveSimulation(ctx, r); err != nil {
		return err
	}
	s.cache(ctx, simulationKey(r.ID), r)
	s.rdb.Del(ctx, recentKey)
	return nil
}

func (s *CachedStore) SaveAllocation(ctx context.Context, r *model.AllocationRecord) error {
	if err := s.primary.SaveAllocation(ctx, r); err != nil {
		return err
	}
	s.cache(ctx, allocationKey(r.ID), r)
	return nil
}

// PruneBefore removes expired records from the primary store and drops the
// cached list. Cached records are left to expire with their TTL.
func (s *CachedStore) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	n, err := s.primary.PruneBefore(ctx, t)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.rdb.Del(ctx, recentKey)
	}
	return n, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSimulation(ctx context.Context, id string) (*model.SimulationRecord, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, simulationKey(id)).Bytes()
	if err == nil {
		var r model.SimulationRecord
		if unmarshal(data, &r) == nil {
			r.CreatedAt = r.CreatedAt.UTC()
			return &r, nil
		}
	}

	// Cache miss: read from primary.
	r, err := s.primary.GetSimulation(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, simulationKey(id), r)
	return r, nil
}

func (s *CachedStore) GetAllocation(ctx context.Context, id string) (*model.AllocationRecord, error) {
	data, err := s.rdb.Get(ctx, allocationKey(id)).Bytes()
	if err == nil {
		var r model.AllocationRecord
		if unmarshal(data, &r) == nil {
			r.CreatedAt = r.CreatedAt.UTC()
			return &r, nil
		}
	}

	r, err := s.primary.GetAllocation(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, allocationKey(id), r)
	return r, nil
}

// ListSimulations caches only the default-sized list, which is what the
// dashboard polls.
func (s *CachedStore) ListSimulations(ctx context.Context, limit int) ([]model.SimulationSummary, error) {
	if normalizeLimit(limit) != DefaultListLimit {
		return s.primary.ListSimulations(ctx, limit)
	}

	data, err := s.rdb.Get(ctx, recentKey).Bytes()
	if err == nil {
		var summaries []model.SimulationSummary
		if unmarshal(data, &summaries) == nil {
			for i := range summaries {
				summaries[i].CreatedAt = summaries[i].CreatedAt.UTC()
			}
			return summaries, nil
		}
	}

	summaries, err := s.primary.ListSimulations(ctx, limit)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, recentKey, summaries)
	return summaries, nil
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const recentKey = "simulations:recent"

func simulationKey(id string) string { return fmt.Sprintf("simulation:%s", id) }
func allocationKey(id string) string { return fmt.Sprintf("allocation:%s", id) }

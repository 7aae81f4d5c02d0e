// Package store defines the persistence interface for the risk engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/risk-engine/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: record not found")

// DefaultListLimit bounds ListSimulations when the caller passes no limit.
const DefaultListLimit = 50

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Simulation history ---

	// SaveSimulation persists a completed Monte Carlo run.
	SaveSimulation(ctx context.Context, rec *model.SimulationRecord) error

	// GetSimulation retrieves a run by its ID.
	GetSimulation(ctx context.Context, id string) (*model.SimulationRecord, error)

	// ListSimulations returns up to limit summaries, newest first.
	ListSimulations(ctx context.Context, limit int) ([]model.SimulationSummary, error)

	// --- Allocation history ---

	// SaveAllocation persists a completed allocator run.
	SaveAllocation(ctx context.Context, rec *model.AllocationRecord) error

	// GetAllocation retrieves an allocator run by its ID.
	GetAllocation(ctx context.Context, id string) (*model.AllocationRecord, error)

	// --- Retention ---

	// PruneBefore deletes every record created before t and returns how
	// many were removed.
	PruneBefore(ctx context.Context, t time.Time) (int64, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

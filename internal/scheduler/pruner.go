package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/store"
)

// pruneTimeout bounds one pruning pass.
const pruneTimeout = time.Minute

// HistoryPruner deletes simulation and allocation records older than the
// retention window.
type HistoryPruner struct {
	store     store.Store
	retention time.Duration
	now       func() time.Time
}

// NewHistoryPruner creates a pruner for st. A zero retention keeps everything.
func NewHistoryPruner(st store.Store, retention time.Duration) *HistoryPruner {
	return &HistoryPruner{store: st, retention: retention, now: time.Now}
}

// Name implements Job.
func (p *HistoryPruner) Name() string { return "history_pruner" }

// Run implements Job.
func (p *HistoryPruner) Run() error {
	if p.retention <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	cutoff := p.now().Add(-p.retention)
	n, err := p.store.PruneBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	metrics.RecordsPruned.Add(float64(n))
	if n > 0 {
		slog.Info("history pruned", "removed", n, "cutoff", cutoff)
	}
	return nil
}

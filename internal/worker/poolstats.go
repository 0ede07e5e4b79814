package worker

import (
	"context"
	"log/slog"
	"time"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
	"github.com/ForeverLucky0901/bigModel/internal/telemetry"
)

const poolStatsInterval = 30 * time.Second

// PoolStatsStore is the persistence interface consumed by PoolStatsWorker.
type PoolStatsStore interface {
	CountKeysByStatus(ctx context.Context) (map[proxy.KeyStatus]int, error)
}

// PoolStatsWorker periodically exports upstream key pool counts as gauges,
// so cooldown storms show up on a dashboard before clients see 503s.
type PoolStatsWorker struct {
	store    PoolStatsStore
	metrics  *telemetry.Metrics
	interval time.Duration
}

// NewPoolStatsWorker creates a pool stats worker.
func NewPoolStatsWorker(store PoolStatsStore, metrics *telemetry.Metrics) *PoolStatsWorker {
	return &PoolStatsWorker{store: store, metrics: metrics, interval: poolStatsInterval}
}

// Name returns the worker identifier.
func (w *PoolStatsWorker) Name() string { return "pool_stats" }

// Run samples the pool on a periodic schedule until ctx is cancelled.
func (w *PoolStatsWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sample(ctx)
		}
	}
}

func (w *PoolStatsWorker) sample(ctx context.Context) {
	counts, err := w.store.CountKeysByStatus(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "pool stats query failed",
			slog.String("error", err.Error()),
		)
		return
	}
	// Statuses absent from the result are zeroed, not left stale.
	for _, status := range []proxy.KeyStatus{proxy.StatusHealthy, proxy.StatusCooldown, proxy.StatusDisabled} {
		w.metrics.UpstreamKeys.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

package fleet

import (
	"context"
	"time"

	"go.uber.org/zap"

	"keyfleet/pkg/model"
	"keyfleet/pkg/store"
)

// DefaultTrafficRetention is how many days of traffic logs are kept.
const DefaultTrafficRetention = 30 * 24 * time.Hour

// CollectStats summarises one traffic collection pass.
type CollectStats struct {
	Updated int   `json:"updated"`
	Skipped int   `json:"skipped"`
	Bytes   int64 `json:"bytes"`
	Pruned  int64 `json:"pruned"`
}

// TrafficCollector polls cumulative counters of every managed credential
// and books the daily growth.
type TrafficCollector struct {
	store     store.Store
	pool      *Pool
	retention time.Duration
	opts      Options
	log       *zap.Logger
}

func NewTrafficCollector(st store.Store, pool *Pool, retention time.Duration, opts Options) *TrafficCollector {
	opts = opts.withDefaults()
	if retention <= 0 {
		retention = DefaultTrafficRetention
	}
	return &TrafficCollector{
		store:     st,
		pool:      pool,
		retention: retention,
		opts:      opts,
		log:       opts.Logger.Named("traffic"),
	}
}

// Collect runs one pass. Unreachable nodes and missing entries are skipped;
// only store failures abort the pass.
func (t *TrafficCollector) Collect(ctx context.Context) (CollectStats, error) {
	var stats CollectStats
	creds, err := t.store.ListActiveCredentials(ctx)
	if err != nil {
		return stats, err
	}
	nodes := make(map[uint]model.Node)
	down := make(map[uint]bool)
	for _, c := range creds {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !c.Managed() || down[*c.NodeID] {
			stats.Skipped++
			continue
		}
		n, ok := nodes[*c.NodeID]
		if !ok {
			n, err = t.store.GetNode(ctx, *c.NodeID)
			if err != nil || !n.Active {
				down[*c.NodeID] = true
				stats.Skipped++
				continue
			}
			nodes[n.ID] = n
		}
		drv, err := t.pool.Get(n)
		if err != nil {
			down[n.ID] = true
			stats.Skipped++
			continue
		}
		st, err := drv.Traffic(ctx, c)
		if err != nil {
			t.log.Debug("traffic unavailable", append(nodeFields(n), zap.Uint("credential_id", c.ID), zap.Error(err))...)
			stats.Skipped++
			continue
		}

		now := t.opts.Clock.Now()
		diff := c.UpdateTraffic(st.Total(), now)
		if err := t.store.SaveTraffic(ctx, c); err != nil {
			return stats, err
		}
		if diff > 0 {
			if err := t.store.AddTrafficLog(ctx, c.ID, model.DayOf(now), diff); err != nil {
				return stats, err
			}
		}
		t.opts.Metrics.Traffic(diff)
		stats.Updated++
		stats.Bytes += diff
	}

	stats.Pruned, err = t.store.PruneTrafficLogs(ctx, model.DayOf(t.opts.Clock.Now().Add(-t.retention)))
	if err != nil {
		return stats, err
	}
	t.log.Info("traffic collected",
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
		zap.Int64("bytes", stats.Bytes),
		zap.Int64("pruned", stats.Pruned))
	return stats, nil
}

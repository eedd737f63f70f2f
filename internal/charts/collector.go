// Package charts rolls raw share samples up into hashrate chart points and
// keeps the stored network state fresh.
package charts

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/metrics"
	"github.com/tos-network/tos-ledger/internal/newrelic"
	"github.com/tos-network/tos-ledger/internal/storage"
	"github.com/tos-network/tos-ledger/internal/util"
	"go.uber.org/zap"
)

// Store is the ledger store subset the collector needs
type Store interface {
	TrimAndReadHashrate(ctx context.Context, cutoff time.Time) ([]*storage.HashrateSample, error)
	WriteCharts(ctx context.Context, u *storage.ChartUpdate) error
	PruneIdleMiners(ctx context.Context, samplesBefore, chartsBefore time.Time) error
}

// Rates is the outcome of one aggregation
type Rates struct {
	Pool    storage.ChartPoint
	Miners  map[string]storage.ChartPoint
	Workers int
}

// Aggregate computes pool and per-miner rates from raw samples. hashrate
// covers samples inside window, hashrateAvg everything inside largeWindow.
// Samples with a negative weight are ignored.
func Aggregate(samples []*storage.HashrateSample, now time.Time, window, largeWindow time.Duration, multiplier float64) *Rates {
	shortCutoff := now.Add(-window).Unix()
	longCutoff := now.Add(-largeWindow).Unix()

	type sums struct{ short, long float64 }
	perMiner := make(map[string]*sums)
	workers := make(map[string]struct{})
	var pool sums

	for _, s := range samples {
		if s.Weight < 0 || s.Timestamp < longCutoff {
			continue
		}
		m, ok := perMiner[s.Login]
		if !ok {
			m = &sums{}
			perMiner[s.Login] = m
		}
		m.long += s.Weight
		pool.long += s.Weight
		if s.Timestamp >= shortCutoff {
			m.short += s.Weight
			pool.short += s.Weight
			workers[s.Login+"."+s.Worker] = struct{}{}
		}
	}

	rate := func(sum float64, d time.Duration) float64 {
		if d <= 0 {
			return 0
		}
		return sum * multiplier / d.Seconds()
	}

	r := &Rates{
		Pool: storage.ChartPoint{
			Hashrate:    rate(pool.short, window),
			HashrateAvg: rate(pool.long, largeWindow),
		},
		Miners:  make(map[string]storage.ChartPoint, len(perMiner)),
		Workers: len(workers),
	}
	for login, m := range perMiner {
		r.Miners[login] = storage.ChartPoint{
			Hashrate:    rate(m.short, window),
			HashrateAvg: rate(m.long, largeWindow),
		}
	}
	return r
}

// Collector is the hashrate aggregator of one pool
type Collector struct {
	pool        string
	window      time.Duration
	largeWindow time.Duration
	retention   time.Duration
	multiplier  float64

	store   Store
	metrics *metrics.Metrics
	agent   *newrelic.Agent
	log     *zap.SugaredLogger
	now     func() time.Time
	running atomic.Bool
}

// NewCollector creates the hashrate aggregator of a pool
func NewCollector(cfg *config.PoolConfig, store Store, m *metrics.Metrics, agent *newrelic.Agent) *Collector {
	return &Collector{
		pool:        cfg.Name,
		window:      cfg.Hashrate.Window,
		largeWindow: cfg.Hashrate.LargeWindow,
		retention:   cfg.Hashrate.ChartsRetention,
		multiplier:  cfg.Hashrate.ShareMultiplier(),
		store:       store,
		metrics:     m,
		agent:       agent,
		log:         util.Named("Charts", cfg.Name),
		now:         time.Now,
	}
}

// Process runs one aggregation cycle. Overlapping calls return nil, nil.
func (c *Collector) Process(ctx context.Context) (*Rates, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.log.Debug("Charts cycle already running, skipping")
		return nil, nil
	}
	defer c.running.Store(false)

	now := c.now()
	horizon := now.Add(-c.largeWindow)

	samples, err := c.store.TrimAndReadHashrate(ctx, horizon)
	if err != nil {
		return nil, fmt.Errorf("failed to read hashrate samples: %w", err)
	}

	rates := Aggregate(samples, now, c.window, c.largeWindow, c.multiplier)

	update := &storage.ChartUpdate{
		Time:          now,
		Pool:          rates.Pool,
		Miners:        rates.Miners,
		SamplesBefore: horizon,
	}
	if c.retention > 0 {
		update.ChartsBefore = now.Add(-c.retention)
	}
	if err := c.store.WriteCharts(ctx, update); err != nil {
		return nil, fmt.Errorf("failed to write charts: %w", err)
	}
	if err := c.store.PruneIdleMiners(ctx, horizon, update.ChartsBefore); err != nil {
		c.log.Warnf("Failed to prune idle miner series: %v", err)
	}

	c.metrics.PoolHashrate(c.pool, rates.Pool.Hashrate)
	c.agent.UpdatePoolMetrics(c.pool, rates.Pool.Hashrate, len(rates.Miners))
	c.log.Infof("Pool hashrate %s (avg %s), %d miners, %d workers",
		util.FormatHashrate(rates.Pool.Hashrate), util.FormatHashrate(rates.Pool.HashrateAvg),
		len(rates.Miners), rates.Workers)
	return rates, nil
}

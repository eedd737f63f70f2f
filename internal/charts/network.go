package charts

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/metrics"
	"github.com/tos-network/tos-ledger/internal/newrelic"
	"github.com/tos-network/tos-ledger/internal/rpc"
	"github.com/tos-network/tos-ledger/internal/storage"
	"github.com/tos-network/tos-ledger/internal/util"
	"go.uber.org/zap"
)

// Daemon is the chain daemon subset the network poller needs
type Daemon interface {
	GetMiningInfo(ctx context.Context) (*rpc.MiningInfo, error)
}

// NetworkStore is the ledger store subset the network poller needs
type NetworkStore interface {
	SetNetworkInfo(ctx context.Context, info *storage.NetworkInfo) error
}

// NetworkPoller copies the daemon's chain state into the store
type NetworkPoller struct {
	pool       string
	multiplier float64

	daemon  Daemon
	store   NetworkStore
	metrics *metrics.Metrics
	agent   *newrelic.Agent
	log     *zap.SugaredLogger

	lastHeight atomic.Uint64
}

// NewNetworkPoller creates the network poller of a pool
func NewNetworkPoller(cfg *config.PoolConfig, daemon Daemon, store NetworkStore, m *metrics.Metrics, agent *newrelic.Agent) *NetworkPoller {
	return &NetworkPoller{
		pool:       cfg.Name,
		multiplier: cfg.Hashrate.Multiplier(),
		daemon:     daemon,
		store:      store,
		metrics:    m,
		agent:      agent,
		log:        util.Named("Network", cfg.Name),
	}
}

// Process polls getmininginfo once and stores the result
func (p *NetworkPoller) Process(ctx context.Context) (*storage.NetworkInfo, error) {
	mi, err := p.daemon.GetMiningInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("getmininginfo failed: %w", err)
	}

	info := &storage.NetworkInfo{
		Height:        mi.Blocks,
		Difficulty:    mi.Difficulty * p.multiplier,
		NetworkHashps: mi.NetworkHashps,
		Updated:       time.Now().Unix(),
	}
	if err := p.store.SetNetworkInfo(ctx, info); err != nil {
		return nil, fmt.Errorf("failed to store network info: %w", err)
	}

	if prev := p.lastHeight.Swap(info.Height); prev != info.Height {
		p.log.Infof("Network height %d, difficulty %v, hashrate %s",
			info.Height, info.Difficulty, util.FormatHashrate(info.NetworkHashps))
	}
	p.metrics.NetworkHeight(p.pool, info.Height)
	p.agent.UpdateNetworkMetrics(p.pool, info.Height, info.Difficulty)
	return info, nil
}

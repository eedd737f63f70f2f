// Package master owns the pool units and routes control messages to them.
package master

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/metrics"
	"github.com/tos-network/tos-ledger/internal/newrelic"
	"github.com/tos-network/tos-ledger/internal/policy"
	"github.com/tos-network/tos-ledger/internal/pool"
	"github.com/tos-network/tos-ledger/internal/shares"
	"github.com/tos-network/tos-ledger/internal/util"
)

var (
	// ErrNoPools is returned by Start when no pool unit could be started
	ErrNoPools = errors.New("no pool unit started")
	// ErrUnknownPool is returned for events addressed to a pool that is not running
	ErrUnknownPool = errors.New("unknown pool")
)

// Loader reads the current configuration
type Loader func() (*config.Config, error)

// Master is the ledger coordinator
type Master struct {
	loader  Loader
	metrics *metrics.Metrics
	agent   *newrelic.Agent

	mu     sync.RWMutex
	cfg    *config.Config
	units  map[string]*pool.Unit
	banner policy.Banner

	// reloadMu serializes unit restarts
	reloadMu sync.Mutex
}

// New creates a master for the given configuration
func New(cfg *config.Config, loader Loader, m *metrics.Metrics, agent *newrelic.Agent) *Master {
	return &Master{
		loader:  loader,
		metrics: m,
		agent:   agent,
		cfg:     cfg,
		units:   make(map[string]*pool.Unit),
	}
}

// Start builds and starts a unit per enabled pool. Pools that fail to start
// are logged and skipped.
func (m *Master) Start() error {
	util.Info("Starting ledger master...")

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	for _, pc := range m.cfg.EnabledPools() {
		if err := m.startUnit(pc, m.cfg); err != nil {
			util.Errorf("Failed to start pool %s: %v", pc.Name, err)
		}
	}

	m.mu.RLock()
	n := len(m.units)
	m.mu.RUnlock()
	if n == 0 {
		return ErrNoPools
	}

	util.Infof("Ledger master started with %d pools", n)
	return nil
}

// Stop shuts every unit down
func (m *Master) Stop() {
	util.Info("Stopping ledger master...")

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	m.mu.Lock()
	units := m.units
	m.units = make(map[string]*pool.Unit)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func(u *pool.Unit) {
			defer wg.Done()
			u.Stop()
		}(u)
	}
	wg.Wait()
	util.Info("Ledger master stopped")
}

// SetBanner registers the ban hook on every current and future unit
func (m *Master) SetBanner(b policy.Banner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.banner = b
	for _, u := range m.units {
		u.SetBanner(b)
	}
}

// Unit returns the named pool unit
func (m *Master) Unit(name string) (*pool.Unit, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[name]
	return u, ok
}

// Units returns all running units ordered by name
func (m *Master) Units() []*pool.Unit {
	m.mu.RLock()
	defer m.mu.RUnlock()

	units := make([]*pool.Unit, 0, len(m.units))
	for _, u := range m.units {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].Name() < units[j].Name() })
	return units
}

// Submit queues a share event on the named pool
func (m *Master) Submit(ctx context.Context, poolName string, e *shares.Event) error {
	u, ok := m.Unit(poolName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, poolName)
	}
	return u.Submit(ctx, e)
}

// BanIP bans the address on every unit
func (m *Master) BanIP(ip string) {
	util.Infof("banIP %s", ip)
	for _, u := range m.Units() {
		u.BanIP(ip)
	}
}

// BlockNotify forwards a new block to the units of the coin and returns how
// many received it
func (m *Master) BlockNotify(coin, hash string) int {
	n := 0
	for _, u := range m.Units() {
		if strings.EqualFold(u.Coin(), coin) {
			u.BlockNotify(hash)
			n++
		}
	}
	if n == 0 {
		util.Warnf("blockNotify for unknown coin %s", coin)
	} else {
		util.Infof("blockNotify %s %s sent to %d pools", coin, hash, n)
	}
	return n
}

// ReloadPool reloads the configuration and rebuilds every unit of the coin
func (m *Master) ReloadPool(coin string) error {
	util.Infof("reloadPool %s", coin)
	if m.loader == nil {
		return errors.New("no config loader")
	}
	cfg, err := m.loader()
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	matched := 0
	for _, pc := range cfg.Pools {
		if !strings.EqualFold(pc.Coin, coin) {
			continue
		}
		matched++
		m.restart(pc, cfg)
	}
	m.setConfig(cfg)

	if matched == 0 {
		return fmt.Errorf("no pool for coin %s", coin)
	}
	return nil
}

// ApplyConfig reconciles the running units with cfg: pools whose config
// changed are rebuilt, new pools are started and removed or disabled pools
// are stopped.
func (m *Master) ApplyConfig(cfg *config.Config) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	seen := make(map[string]struct{}, len(cfg.Pools))
	for _, pc := range cfg.Pools {
		seen[pc.Name] = struct{}{}
		u, running := m.Unit(pc.Name)
		if running && pc.Enabled && reflect.DeepEqual(u.Config(), pc) {
			continue
		}
		if !running && !pc.Enabled {
			continue
		}
		m.restart(pc, cfg)
	}

	for _, u := range m.Units() {
		if _, ok := seen[u.Name()]; !ok {
			util.Infof("Pool %s removed from config", u.Name())
			m.stopUnit(u.Name())
		}
	}
	m.setConfig(cfg)
}

// restart stops the running unit of pc and starts a new one when enabled.
// reloadMu must be held.
func (m *Master) restart(pc config.PoolConfig, cfg *config.Config) {
	m.stopUnit(pc.Name)
	if !pc.Enabled {
		util.Infof("Pool %s disabled", pc.Name)
		return
	}
	if err := m.startUnit(pc, cfg); err != nil {
		util.Errorf("Failed to restart pool %s: %v", pc.Name, err)
		return
	}
	util.Infof("Pool %s reloaded", pc.Name)
}

func (m *Master) startUnit(pc config.PoolConfig, cfg *config.Config) error {
	u, err := pool.New(pc, cfg, m.metrics, m.agent)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.banner != nil {
		u.SetBanner(m.banner)
	}
	m.units[pc.Name] = u
	m.mu.Unlock()

	u.Start()
	return nil
}

func (m *Master) stopUnit(name string) {
	m.mu.Lock()
	u, ok := m.units[name]
	delete(m.units, name)
	m.mu.Unlock()
	if ok {
		u.Stop()
	}
}

func (m *Master) setConfig(cfg *config.Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// PoolCount returns the number of running units
func (m *Master) PoolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.units)
}

// Package pool wires the ledger components of one configured pool into a
// self-contained unit with its own store, daemon client and timers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tos-network/tos-ledger/internal/charts"
	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/metrics"
	"github.com/tos-network/tos-ledger/internal/newrelic"
	"github.com/tos-network/tos-ledger/internal/notify"
	"github.com/tos-network/tos-ledger/internal/payouts"
	"github.com/tos-network/tos-ledger/internal/policy"
	"github.com/tos-network/tos-ledger/internal/rpc"
	"github.com/tos-network/tos-ledger/internal/shares"
	"github.com/tos-network/tos-ledger/internal/storage"
	"github.com/tos-network/tos-ledger/internal/unlocker"
	"github.com/tos-network/tos-ledger/internal/util"
	"go.uber.org/zap"
)

const (
	// ShareQueueSize bounds the share events waiting to be written
	ShareQueueSize = 10000
	// FirstRunDelay is how long after Start each timer fires for the first time
	FirstRunDelay = 100 * time.Millisecond
)

// ErrStopped is returned by Submit once the unit shut down
var ErrStopped = errors.New("pool unit stopped")

// Unit runs every ledger component of one pool
type Unit struct {
	cfg     config.PoolConfig
	metrics *metrics.Metrics
	agent   *newrelic.Agent
	log     *zap.SugaredLogger

	redis    *storage.RedisClient
	daemon   *rpc.TOSClient
	notifier *notify.Notifier
	bans     *policy.BanList

	shares   *shares.Processor
	unlocker *unlocker.Unlocker
	payouts  *payouts.Processor
	charts   *charts.Collector
	network  *charts.NetworkPoller

	shareChan      chan *shares.Event
	unlockTrigger  chan struct{}
	networkTrigger chan struct{}

	bannerMu sync.RWMutex
	banner   policy.Banner

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// banHook forwards bans to whatever Banner is registered on the unit
type banHook struct {
	u *Unit
}

func (h banHook) BanIP(ip string) {
	h.u.bannerMu.RLock()
	b := h.u.banner
	h.u.bannerMu.RUnlock()
	if b != nil {
		b.BanIP(ip)
	}
}

// New connects the unit's store and daemon client and builds its components
func New(cfg config.PoolConfig, global *config.Config, m *metrics.Metrics, agent *newrelic.Agent) (*Unit, error) {
	redis, err := storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.BaseName)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", cfg.Name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &Unit{
		cfg:            cfg,
		metrics:        m,
		agent:          agent,
		log:            util.Named("Pool", cfg.Name),
		redis:          redis,
		daemon:         rpc.NewTOSClient(cfg.Daemon.URL, cfg.Daemon.User, cfg.Daemon.Password, cfg.Daemon.Timeout),
		notifier:       notify.NewNotifier(global.Notify, cfg.Name, cfg.Coin),
		shareChan:      make(chan *shares.Event, ShareQueueSize),
		unlockTrigger:  make(chan struct{}, 1),
		networkTrigger: make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
	u.bans = policy.NewBanList(global.Policy.BanTimeout, banHook{u})

	pc := &u.cfg
	u.shares = shares.NewProcessor(pc, redis, m)
	u.unlocker = unlocker.New(pc, u.daemon, redis, u.notifier, m)
	u.payouts = payouts.NewProcessor(pc, u.daemon, redis, u.notifier, m)
	u.charts = charts.NewCollector(pc, redis, m, agent)
	u.network = charts.NewNetworkPoller(pc, u.daemon, redis, m, agent)
	return u, nil
}

// Name returns the pool name
func (u *Unit) Name() string {
	return u.cfg.Name
}

// Coin returns the pool coin
func (u *Unit) Coin() string {
	return u.cfg.Coin
}

// Config returns the configuration the unit was built from
func (u *Unit) Config() config.PoolConfig {
	return u.cfg
}

// Store returns the unit's ledger store
func (u *Unit) Store() *storage.RedisClient {
	return u.redis
}

// Bans returns the unit's ban list
func (u *Unit) Bans() *policy.BanList {
	return u.bans
}

// SetBanner registers the hook that enforces bans on live connections
func (u *Unit) SetBanner(b policy.Banner) {
	u.bannerMu.Lock()
	u.banner = b
	u.bannerMu.Unlock()
}

// Start launches the share ingest goroutine and one timer per enabled component
func (u *Unit) Start() {
	u.log.Infof("Starting %s pool unit for %s", u.cfg.Type, u.cfg.Coin)
	u.bans.Start()

	u.wg.Add(1)
	go u.ingestLoop()

	// A component whose setup fails stays off until the pool is reloaded
	if u.cfg.Unlocker.Enabled {
		if err := u.unlocker.Setup(u.ctx); err != nil {
			u.log.Errorf("Block unlocker setup failed, unlocker disabled: %v", err)
		} else {
			u.wg.Add(1)
			go u.timerLoop(metrics.ComponentUnlocker, u.cfg.Unlocker.Interval, u.unlockTrigger, nil, u.runUnlocker)
		}
	}

	if u.cfg.Payments.Enabled {
		if err := u.payouts.Setup(u.ctx); err != nil {
			u.log.Errorf("Payment processor setup failed, payouts disabled: %v", err)
		} else {
			u.wg.Add(1)
			go u.timerLoop(metrics.ComponentPayments, u.cfg.Payments.Interval, nil, u.payouts.Done(), u.runPayouts)
		}
	}

	if u.cfg.Hashrate.Enabled {
		u.wg.Add(1)
		go u.timerLoop(metrics.ComponentCharts, u.cfg.Hashrate.Interval, nil, nil, u.runCharts)
	}

	if u.cfg.Network.Enabled {
		u.wg.Add(1)
		go u.timerLoop(metrics.ComponentNetwork, u.cfg.Network.Interval, u.networkTrigger, nil, u.runNetwork)
	}
}

// Stop cancels the timers, writes the queued shares and closes the store
func (u *Unit) Stop() {
	u.stopOnce.Do(func() {
		u.log.Info("Stopping pool unit")
		u.cancel()
		u.wg.Wait()
		u.bans.Stop()
		u.notifier.Wait()
		if err := u.redis.Close(); err != nil {
			u.log.Warnf("Failed to close redis: %v", err)
		}
		u.log.Info("Pool unit stopped")
	})
}

// Submit queues a share event for the share ledger
func (u *Unit) Submit(ctx context.Context, e *shares.Event) error {
	if u.ctx.Err() != nil {
		return ErrStopped
	}
	select {
	case u.shareChan <- e:
		u.metrics.QueueSize(u.cfg.Name, len(u.shareChan))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-u.ctx.Done():
		return ErrStopped
	}
}

// BlockNotify runs the unlocker and network poller out of band
func (u *Unit) BlockNotify(hash string) {
	u.log.Infof("Block notification for %s", hash)
	trigger(u.unlockTrigger)
	trigger(u.networkTrigger)
}

// BanIP bans the address and forwards it to the registered Banner
func (u *Unit) BanIP(ip string) bool {
	return u.bans.Ban(ip)
}

func trigger(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (u *Unit) ingestLoop() {
	defer u.wg.Done()

	for {
		select {
		case <-u.ctx.Done():
			u.drainShares()
			return
		case e := <-u.shareChan:
			u.handleShare(u.ctx, e)
		}
	}
}

// drainShares writes whatever was accepted before shutdown
func (u *Unit) drainShares() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		select {
		case e := <-u.shareChan:
			u.handleShare(ctx, e)
		default:
			return
		}
	}
}

func (u *Unit) handleShare(ctx context.Context, e *shares.Event) {
	if err := u.shares.HandleShare(ctx, e); err != nil {
		u.log.Errorf("Failed to record share from %s: %v", e.Login, err)
	}
}

// timerLoop runs fn FirstRunDelay after start and then every interval. A
// trigger runs it immediately. The loop ends on shutdown or when done closes.
func (u *Unit) timerLoop(component string, interval time.Duration, trig <-chan struct{}, done <-chan struct{}, fn func(ctx context.Context) error) {
	defer u.wg.Done()

	timer := time.NewTimer(FirstRunDelay)
	defer timer.Stop()

	for {
		select {
		case <-u.ctx.Done():
			return
		case <-done:
			u.log.Warnf("%s stopped", component)
			return
		case <-timer.C:
			u.cycle(component, fn)
			timer.Reset(interval)
		case <-trig:
			u.cycle(component, fn)
		}
	}
}

func (u *Unit) cycle(component string, fn func(ctx context.Context) error) {
	start := time.Now()
	err := u.agent.Cycle(u.ctx, component, u.cfg.Name, fn)
	u.metrics.Cycle(u.cfg.Name, component, time.Since(start), err)
	if err != nil && u.ctx.Err() == nil {
		u.log.Errorf("%s cycle failed: %v", component, err)
	}
}

func (u *Unit) runUnlocker(ctx context.Context) error {
	result, err := u.unlocker.Process(ctx)
	if err != nil {
		return err
	}
	if result != nil && result.Matured > 0 {
		u.agent.RecordMaturation(u.cfg.Name, result.Generate, result.Orphan, result.Kicked)
	}
	return nil
}

func (u *Unit) runPayouts(ctx context.Context) error {
	result, err := u.payouts.Process(ctx)
	if errors.Is(err, payouts.ErrNothingToSend) {
		u.log.Warn("Withholding left no miner above the minimum payment, nothing sent")
		return nil
	}
	if result != nil && result.TxID != "" {
		u.agent.RecordPayment(u.cfg.Name, result.TxID, result.Total, result.Paid)
	}
	return err
}

func (u *Unit) runCharts(ctx context.Context) error {
	_, err := u.charts.Process(ctx)
	return err
}

func (u *Unit) runNetwork(ctx context.Context) error {
	_, err := u.network.Process(ctx)
	return err
}

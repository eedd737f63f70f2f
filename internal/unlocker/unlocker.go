// Package unlocker resolves candidate blocks against the chain daemon and
// credits the round's reward to its recipients.
package unlocker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/metrics"
	"github.com/tos-network/tos-ledger/internal/notify"
	"github.com/tos-network/tos-ledger/internal/rpc"
	"github.com/tos-network/tos-ledger/internal/storage"
	"github.com/tos-network/tos-ledger/internal/util"
	"go.uber.org/zap"
)

// ErrNotReady is returned when Process runs before a successful Setup
var ErrNotReady = errors.New("unlocker not set up")

// Daemon is the chain daemon subset the unlocker needs
type Daemon interface {
	CheckPoolAddress(ctx context.Context, address string) error
	DetectPrecision(ctx context.Context) (util.Precision, error)
	GetTransactions(ctx context.Context, txHashes []string) ([]rpc.TxLookup, error)
}

// Store is the ledger store subset the unlocker needs
type Store interface {
	GetCandidates(ctx context.Context) ([]*storage.CandidateBlock, error)
	GetRoundTallies(ctx context.Context, heights []uint64) (map[uint64]map[string]int64, error)
	MatureRounds(ctx context.Context, rounds []*storage.Maturation) ([]*storage.Maturation, error)
}

// Result summarizes one cycle
type Result struct {
	Candidates int
	Generate   int
	Orphan     int
	Kicked     int
	Pending    int
	Matured    int
}

// Unlocker is the block maturation engine of one pool
type Unlocker struct {
	pool       string
	address    string
	windowSize int64

	daemon   Daemon
	store    Store
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	precision util.Precision
	ready     atomic.Bool
	running   atomic.Bool
}

// New creates the unlocker of a pool
func New(cfg *config.PoolConfig, daemon Daemon, store Store, n *notify.Notifier, m *metrics.Metrics) *Unlocker {
	return &Unlocker{
		pool:       cfg.Name,
		address:    cfg.Address,
		windowSize: cfg.PPLNS,
		daemon:     daemon,
		store:      store,
		notifier:   n,
		metrics:    m,
		log:        util.Named("Unlocker", cfg.Name),
	}
}

// Setup verifies the pool address and detects the coin precision
func (u *Unlocker) Setup(ctx context.Context) error {
	if err := u.daemon.CheckPoolAddress(ctx, u.address); err != nil {
		return err
	}
	p, err := u.daemon.DetectPrecision(ctx)
	if err != nil {
		return err
	}
	u.precision = p
	u.ready.Store(true)
	u.log.Infof("Block unlocker ready, coin precision %d decimals", p.Decimals)
	return nil
}

// Precision returns the detected coin precision
func (u *Unlocker) Precision() util.Precision {
	return u.precision
}

// Process runs one maturation cycle. A call made while another cycle is in
// flight returns immediately with a nil result.
func (u *Unlocker) Process(ctx context.Context) (*Result, error) {
	if !u.ready.Load() {
		return nil, ErrNotReady
	}
	if !u.running.CompareAndSwap(false, true) {
		u.log.Debug("Maturation cycle already running, skipping")
		return nil, nil
	}
	defer u.running.Store(false)

	var redisTime, rpcTime time.Duration
	start := time.Now()

	candidates, err := u.store.GetCandidates(ctx)
	redisTime += time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("failed to get candidates: %w", err)
	}
	result := &Result{Candidates: len(candidates)}
	if len(candidates) == 0 {
		u.log.Debugf("Finished interval - %d ms total: %d ms redis, %d ms RPC",
			time.Since(start).Milliseconds(), redisTime.Milliseconds(), rpcTime.Milliseconds())
		return result, nil
	}

	hashes := make([]string, len(candidates))
	for i, c := range candidates {
		hashes[i] = c.TxHash
	}

	rpcStart := time.Now()
	lookups, err := u.daemon.GetTransactions(ctx, hashes)
	rpcTime += time.Since(rpcStart)
	if err != nil {
		return nil, fmt.Errorf("failed to look up transactions: %w", err)
	}
	if len(lookups) != len(candidates) {
		return nil, fmt.Errorf("daemon returned %d transactions for %d candidates", len(lookups), len(candidates))
	}

	var resolved []*storage.MaturedBlock
	for i, c := range candidates {
		block, ok := u.classify(c, lookups[i])
		if !ok {
			result.Pending++
			continue
		}
		resolved = append(resolved, block)
	}

	maturations, err := u.credits(ctx, resolved, &redisTime)
	if err != nil {
		return nil, err
	}

	if len(maturations) > 0 {
		writeStart := time.Now()
		moved, err := u.store.MatureRounds(ctx, maturations)
		redisTime += time.Since(writeStart)
		if errors.Is(err, storage.ErrCandidatesChanged) {
			u.log.Warn("Candidate set changed during maturation, retrying next interval")
			result.Pending += len(maturations)
			return result, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to mature rounds: %w", err)
		}
		result.Matured = len(moved)
		for _, m := range moved {
			u.report(m, result)
		}
	}

	u.log.Debugf("Finished interval - %d ms total: %d ms redis, %d ms RPC",
		time.Since(start).Milliseconds(), redisTime.Milliseconds(), rpcTime.Milliseconds())
	return result, nil
}

// classify decides the outcome of one candidate. ok is false while the round
// stays pending.
func (u *Unlocker) classify(c *storage.CandidateBlock, lookup rpc.TxLookup) (*storage.MaturedBlock, bool) {
	if c.Type != config.TypePPLNS && c.Type != config.TypeSolo {
		u.log.Errorf("Unknown reward type %q for block %d, leaving it pending", c.Type, c.Height)
		return nil, false
	}

	kicked := &storage.MaturedBlock{Candidate: c, Outcome: storage.OutcomeKicked}

	if lookup.Err != nil {
		if rpc.IsInvalidTransaction(lookup.Err) {
			u.log.Warnf("Daemon does not know tx %s of block %d, kicking round", c.TxHash, c.Height)
			return kicked, true
		}
		u.log.Errorf("Odd error looking up tx %s of block %d: %v", c.TxHash, c.Height, lookup.Err)
		return nil, false
	}

	if lookup.Tx == nil || len(lookup.Tx.Details) == 0 {
		u.log.Warnf("Daemon returned no details for tx %s of block %d, kicking round", c.TxHash, c.Height)
		return kicked, true
	}

	detail := u.payoutDetail(lookup.Tx.Details)
	if detail == nil {
		u.log.Errorf("Tx %s of block %d does not pay the pool address", c.TxHash, c.Height)
		return nil, false
	}

	switch detail.Category {
	case "generate":
		reward, err := u.precision.ToUnits(detail.Coins())
		if err != nil {
			u.log.Errorf("Cannot read reward of block %d: %v", c.Height, err)
			return nil, false
		}
		return &storage.MaturedBlock{Candidate: c, Reward: reward, Outcome: storage.OutcomeGenerate}, true
	case "immature":
		return nil, false
	case "orphan":
		return &storage.MaturedBlock{Candidate: c, Outcome: storage.OutcomeOrphan}, true
	default:
		u.log.Warnf("Block %d has category %q, kicking round", c.Height, detail.Category)
		return kicked, true
	}
}

func (u *Unlocker) payoutDetail(details []rpc.TxDetail) *rpc.TxDetail {
	for i := range details {
		if details[i].Address == u.address {
			return &details[i]
		}
	}
	if len(details) == 1 {
		return &details[0]
	}
	return nil
}

// credits computes recipients for every generate round
func (u *Unlocker) credits(ctx context.Context, resolved []*storage.MaturedBlock, redisTime *time.Duration) ([]*storage.Maturation, error) {
	var heights []uint64
	for _, b := range resolved {
		if b.Outcome == storage.OutcomeGenerate && b.Candidate.Type == config.TypePPLNS {
			heights = append(heights, b.Candidate.Height)
		}
	}

	tallies := map[uint64]map[string]int64{}
	if len(heights) > 0 {
		start := time.Now()
		var err error
		tallies, err = u.store.GetRoundTallies(ctx, heights)
		*redisTime += time.Since(start)
		if err != nil {
			return nil, fmt.Errorf("failed to read round tallies: %w", err)
		}
	}

	maturations := make([]*storage.Maturation, 0, len(resolved))
	for _, b := range resolved {
		m := &storage.Maturation{Block: b}
		if b.Outcome == storage.OutcomeGenerate {
			c := b.Candidate
			if c.Type == config.TypeSolo {
				m.Credits = []storage.Credit{{Login: c.Finder, Share: 1, Reward: b.Reward}}
			} else {
				tally := tallies[c.Height]
				if len(tally) == 0 {
					u.log.Errorf("No round shares for block %d, maturing without credits", c.Height)
				}
				m.Credits = SplitReward(b.Reward, tally, u.windowSize)
			}
		}
		maturations = append(maturations, m)
	}
	return maturations, nil
}

func (u *Unlocker) report(m *storage.Maturation, result *Result) {
	b := m.Block
	c := b.Candidate
	u.metrics.RoundResolved(u.pool, b.Outcome.String())

	switch b.Outcome {
	case storage.OutcomeGenerate:
		result.Generate++
		var credited int64
		for _, cr := range m.Credits {
			credited += cr.Reward
		}
		u.log.Infof("Block %d matured, reward %s credited %s to %d miners",
			c.Height, u.precision.Format(b.Reward), u.precision.Format(credited), len(m.Credits))
		u.notifier.NotifyBlockMatured(b, u.precision)
	case storage.OutcomeOrphan:
		result.Orphan++
		u.log.Infof("Block %d orphaned", c.Height)
		u.notifier.NotifyBlockOrphaned(b)
	default:
		result.Kicked++
		u.log.Infof("Block %d kicked", c.Height)
		u.notifier.NotifyBlockOrphaned(b)
	}
}

// SplitReward divides a pplns round reward by window entries. Each miner
// receives floor(reward*count/window). The denominator is never smaller than
// the tally total, so the credits never exceed the reward.
func SplitReward(reward int64, tally map[string]int64, window int64) []storage.Credit {
	var total int64
	logins := make([]string, 0, len(tally))
	for login, count := range tally {
		if count <= 0 {
			continue
		}
		total += count
		logins = append(logins, login)
	}
	if total == 0 || reward <= 0 {
		return nil
	}
	sort.Strings(logins)

	denom := window
	if total > denom {
		denom = total
	}

	bigReward := big.NewInt(reward)
	bigDenom := big.NewInt(denom)
	credits := make([]storage.Credit, 0, len(logins))
	for _, login := range logins {
		count := tally[login]
		part := new(big.Int).Mul(bigReward, big.NewInt(count))
		part.Quo(part, bigDenom)
		if part.Sign() == 0 {
			continue
		}
		credits = append(credits, storage.Credit{
			Login:  login,
			Share:  float64(count) / float64(denom),
			Reward: part.Int64(),
		})
	}
	return credits
}

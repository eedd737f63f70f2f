// Package payouts sends miner balances to the chain and records the payments.
package payouts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/metrics"
	"github.com/tos-network/tos-ledger/internal/notify"
	"github.com/tos-network/tos-ledger/internal/recovery"
	"github.com/tos-network/tos-ledger/internal/rpc"
	"github.com/tos-network/tos-ledger/internal/storage"
	"github.com/tos-network/tos-ledger/internal/util"
	"go.uber.org/zap"
)

// MaxWithholdPercent is where fee withholding gives up
const MaxWithholdPercent = 100

var (
	// ErrNothingToSend is returned when withholding left no miner above the minimum
	ErrNothingToSend = errors.New("nothing to send")
	// ErrHalted is returned once a sent payment could not be recorded
	ErrHalted = errors.New("payouts halted")
	// ErrNotReady is returned when Process runs before a successful Setup
	ErrNotReady = errors.New("payouts not set up")
	// ErrRecoveryPending is returned by Setup while a recovery file of the
	// pool has not been replayed
	ErrRecoveryPending = errors.New("unreplayed payout recovery file")
)

// Wallet is the chain daemon subset the payout processor needs
type Wallet interface {
	CheckPoolAddress(ctx context.Context, address string) error
	DetectPrecision(ctx context.Context) (util.Precision, error)
	SendMany(ctx context.Context, account string, amounts map[string]json.Number) (string, error)
}

// Store is the ledger store subset the payout processor needs
type Store interface {
	ListMinerBalances(ctx context.Context) ([]*storage.MinerBalance, error)
	ApplyPayments(ctx context.Context, txID string, payouts []storage.Payout, at time.Time) ([]storage.Command, error)
}

// Result summarizes one cycle
type Result struct {
	Eligible int
	Paid     int
	Total    int64
	Withhold int
	TxID     string
	DumpFile string
}

// Processor is the payout disburser of one pool
type Processor struct {
	pool         string
	address      string
	account      string
	minimumCoins float64
	recoveryDir  string

	wallet   Wallet
	store    Store
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	precision util.Precision
	minimum   int64
	ready     atomic.Bool
	running   atomic.Bool
	halted    atomic.Bool
	haltOnce  sync.Once
	haltCh    chan struct{}
}

// NewProcessor creates the payout processor of a pool
func NewProcessor(cfg *config.PoolConfig, wallet Wallet, store Store, n *notify.Notifier, m *metrics.Metrics) *Processor {
	return &Processor{
		pool:         cfg.Name,
		address:      cfg.Address,
		account:      cfg.Payments.Account,
		minimumCoins: cfg.Payments.MinimumPayment,
		recoveryDir:  cfg.Payments.RecoveryDir,
		wallet:       wallet,
		store:        store,
		notifier:     n,
		metrics:      m,
		log:          util.Named("Payments", cfg.Name),
		haltCh:       make(chan struct{}),
	}
}

// Setup verifies the pool address, detects the coin precision and converts
// the minimum payment to smallest units. A halt survives restarts: Setup
// fails while the pool has a recovery file that was not replayed.
func (p *Processor) Setup(ctx context.Context) error {
	pending, err := recovery.PendingFiles(p.recoveryDir, p.pool)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return fmt.Errorf("%w: %s, apply it with 'tos-ledger replay'", ErrRecoveryPending, strings.Join(pending, ", "))
	}
	if err := p.wallet.CheckPoolAddress(ctx, p.address); err != nil {
		return err
	}
	prec, err := p.wallet.DetectPrecision(ctx)
	if err != nil {
		return err
	}
	p.precision = prec
	p.minimum = prec.FromCoins(p.minimumCoins)
	if p.minimum <= 0 {
		return fmt.Errorf("minimum payment %v is below the coin precision", p.minimumCoins)
	}
	p.ready.Store(true)
	p.log.Infof("Payment processor ready, minimum payment %s", prec.Format(p.minimum))
	return nil
}

// Minimum returns the minimum payment in smallest units
func (p *Processor) Minimum() int64 {
	return p.minimum
}

// Halted reports whether payouts stopped after a failed reconciliation
func (p *Processor) Halted() bool {
	return p.halted.Load()
}

// Done is closed when the processor halts
func (p *Processor) Done() <-chan struct{} {
	return p.haltCh
}

// Plan computes what each eligible miner is sent under the given withhold percent
func Plan(balances []*storage.MinerBalance, withhold int, minimum int64) []storage.Payout {
	keep := big.NewInt(int64(100 - withhold))
	hundred := big.NewInt(100)

	var payouts []storage.Payout
	for _, b := range balances {
		toSend := new(big.Int).Mul(big.NewInt(b.Balance), keep)
		toSend.Quo(toSend, hundred)
		amount := toSend.Int64()
		if amount <= 0 || amount < minimum {
			continue
		}
		payouts = append(payouts, storage.Payout{Login: b.Login, Amount: amount})
	}
	return payouts
}

// Process runs one payout cycle
func (p *Processor) Process(ctx context.Context) (*Result, error) {
	if p.halted.Load() {
		return nil, ErrHalted
	}
	if !p.ready.Load() {
		return nil, ErrNotReady
	}
	if !p.running.CompareAndSwap(false, true) {
		p.log.Debug("Payment cycle already running, skipping")
		return nil, nil
	}
	defer p.running.Store(false)

	var redisTime, rpcTime time.Duration
	start := time.Now()
	defer func() {
		p.log.Debugf("Finished interval - %d ms total: %d ms redis, %d ms RPC",
			time.Since(start).Milliseconds(), redisTime.Milliseconds(), rpcTime.Milliseconds())
	}()

	all, err := p.store.ListMinerBalances(ctx)
	redisTime += time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}

	var eligible []*storage.MinerBalance
	for _, b := range all {
		if b.Balance >= p.minimum {
			eligible = append(eligible, b)
		}
	}
	result := &Result{Eligible: len(eligible)}
	if len(eligible) == 0 {
		p.log.Debug("No miners to pay")
		return result, nil
	}

	var payouts []storage.Payout
	var txID string
	for withhold := 0; ; withhold++ {
		if withhold >= MaxWithholdPercent {
			return result, ErrNothingToSend
		}
		payouts = Plan(eligible, withhold, p.minimum)
		if len(payouts) == 0 {
			p.log.Debug("No miners to pay")
			return result, ErrNothingToSend
		}

		amounts := make(map[string]json.Number, len(payouts))
		for _, po := range payouts {
			amounts[po.Login] = p.precision.Number(po.Amount)
		}

		rpcStart := time.Now()
		txID, err = p.wallet.SendMany(ctx, p.account, amounts)
		rpcTime += time.Since(rpcStart)
		if rpc.IsInsufficientFunds(err) {
			p.log.Warnf("Not enough funds to cover the tx fees for sending out payments, withholding %d%% and retrying", withhold+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sendmany failed: %w", err)
		}
		result.Withhold = withhold
		break
	}

	result.TxID = txID
	result.Paid = len(payouts)
	for _, po := range payouts {
		result.Total += po.Amount
	}

	p.log.Infof("Sent out a total of %s to %d miners, tx %s",
		p.precision.Format(result.Total), result.Paid, txID)
	if result.Withhold > 0 {
		p.log.Warnf("Had to withhold %d%% of rewards from miners to cover transaction fees. "+
			"Fund pool wallet with coins to prevent this from happening", result.Withhold)
	}

	writeStart := time.Now()
	cmds, err := p.store.ApplyPayments(ctx, txID, payouts, time.Now())
	redisTime += time.Since(writeStart)
	if err != nil {
		result.DumpFile = p.halt(txID, cmds, err)
		return result, fmt.Errorf("%w: %v", ErrHalted, err)
	}

	p.metrics.PayoutSent(p.pool, result.Total, result.Withhold)
	p.notifier.NotifyPaymentSent(result.Total, result.Paid, txID, p.precision)
	return result, nil
}

// halt stops payouts for good and persists the commands an operator must replay
func (p *Processor) halt(txID string, cmds []storage.Command, cause error) string {
	p.halted.Store(true)
	p.haltOnce.Do(func() { close(p.haltCh) })
	p.metrics.PayoutHalted(p.pool)

	var failed []int
	var batchErr *storage.BatchError
	if errors.As(cause, &batchErr) {
		failed = batchErr.Failed
	}

	path := ""
	dump, err := recovery.New(p.pool, txID, cause.Error(), cmds, failed)
	if err == nil {
		path, err = recovery.Write(p.recoveryDir, dump)
	}
	if err != nil {
		p.log.Errorf("Payments sent in tx %s but could not update redis: %v. Could not write recovery file either: %v. Commands: %v",
			txID, cause, err, cmds)
	} else {
		p.log.Errorf("Payments sent in tx %s but could not update redis: %v. Disabling payment processing to prevent possible double-payouts. "+
			"Run the commands in %s manually with 'tos-ledger replay'", txID, cause, path)
	}

	p.notifier.NotifyPayoutHalted(txID, path)
	return path
}

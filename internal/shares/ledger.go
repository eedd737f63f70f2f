// Package shares records accepted shares into the pool's contribution window
// and freezes the round when a share solves a block.
package shares

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/metrics"
	"github.com/tos-network/tos-ledger/internal/storage"
	"github.com/tos-network/tos-ledger/internal/util"
	"go.uber.org/zap"
)

// ErrInvalidEvent is returned for share events that cannot be recorded
var ErrInvalidEvent = errors.New("invalid share event")

// Event is one share submission as reported by the Protocol Engine
type Event struct {
	Type         string  `json:"type,omitempty"`
	IsValidShare bool    `json:"isValidShare"`
	IsValidBlock bool    `json:"isValidBlock"`
	Difficulty   float64 `json:"difficulty"`
	Login        string  `json:"login"`
	Worker       string  `json:"worker"`
	IP           string  `json:"ip,omitempty"`
	Height       uint64  `json:"height"`
	BlockHash    string  `json:"blockHash"`
	TxHash       string  `json:"txHash"`
	BlockDiff    float64 `json:"blockDiff"`
	Time         int64   `json:"time,omitempty"`
}

func (e *Event) validate() error {
	switch {
	case e.Login == "":
		return fmt.Errorf("%w: missing login", ErrInvalidEvent)
	case strings.Contains(e.Login, ":") || strings.Contains(e.Worker, ":"):
		return fmt.Errorf("%w: ':' in login or worker %s.%s", ErrInvalidEvent, e.Login, e.Worker)
	case e.Difficulty <= 0 || math.IsNaN(e.Difficulty) || math.IsInf(e.Difficulty, 0):
		return fmt.Errorf("%w: difficulty %v", ErrInvalidEvent, e.Difficulty)
	case e.IsValidBlock && (e.Height == 0 || e.BlockHash == "" || e.TxHash == ""):
		return fmt.Errorf("%w: block share without height, hash or tx", ErrInvalidEvent)
	}
	return nil
}

// Store is the part of the ledger store the share ledger writes
type Store interface {
	WriteShare(ctx context.Context, w *storage.ShareWrite) (*storage.RoundSnapshot, error)
	WriteRoundFound(ctx context.Context, c *storage.CandidateBlock, tally map[string]int64) error
}

// Processor writes share events of one pool
type Processor struct {
	pool       string
	rewardType string
	solo       bool
	windowSize int64
	baseDiff   float64

	store   Store
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

// NewProcessor creates the share ledger of a pool
func NewProcessor(cfg *config.PoolConfig, store Store, m *metrics.Metrics) *Processor {
	return &Processor{
		pool:       cfg.Name,
		rewardType: cfg.Type,
		solo:       cfg.IsSolo(),
		windowSize: cfg.WindowSize(),
		baseDiff:   cfg.BaseShareDifficulty(),
		store:      store,
		metrics:    m,
		log:        util.Named("Shares", cfg.Name),
	}
}

// Copies returns how many window entries a share of the given difficulty
// earns. Only the newest windowSize entries survive a push, so the count is
// capped at the window length.
func (p *Processor) Copies(difficulty float64) int {
	if p.baseDiff <= 0 || p.windowSize <= 0 {
		return 0
	}
	copies := math.Floor(difficulty / p.baseDiff)
	if !(copies < float64(p.windowSize)) {
		return int(p.windowSize)
	}
	return int(copies)
}

// HandleShare records one share event. Rejected shares change nothing. A
// failed store write is logged and returned, never retried.
func (p *Processor) HandleShare(ctx context.Context, e *Event) error {
	p.metrics.Share(p.pool, e.IsValidShare)
	if !e.IsValidShare {
		return nil
	}
	if err := e.validate(); err != nil {
		p.log.Warnf("Dropping share from %s: %v", e.Login, err)
		return err
	}

	at := time.Now()
	if e.Time > 0 {
		at = time.Unix(e.Time, 0)
	}

	w := &storage.ShareWrite{
		Share: &storage.Share{
			Login:      e.Login,
			Worker:     e.Worker,
			Difficulty: e.Difficulty,
			Height:     e.Height,
			BlockHash:  e.BlockHash,
			TxHash:     e.TxHash,
			BlockDiff:  e.BlockDiff,
			Time:       at,
		},
		Solo:       p.solo,
		WindowSize: p.windowSize,
		Block:      e.IsValidBlock,
	}
	if !p.solo {
		w.WindowCopies = p.Copies(e.Difficulty)
	}

	snapshot, err := p.store.WriteShare(ctx, w)
	if err != nil {
		p.log.Errorf("Failed to write share from %s.%s: %v", e.Login, e.Worker, err)
		return fmt.Errorf("write share: %w", err)
	}
	if !e.IsValidBlock {
		return nil
	}

	return p.recordBlock(ctx, e, at, snapshot)
}

func (p *Processor) recordBlock(ctx context.Context, e *Event, at time.Time, snapshot *storage.RoundSnapshot) error {
	candidate := &storage.CandidateBlock{
		Type:        p.rewardType,
		Finder:      e.Login,
		BlockHash:   e.BlockHash,
		TxHash:      e.TxHash,
		FoundTime:   at.Unix(),
		BlockDiff:   e.BlockDiff,
		TotalShares: snapshot.TotalShares,
		Height:      e.Height,
	}

	var tally map[string]int64
	if !p.solo {
		tally = snapshot.Tally()
		if len(tally) == 0 {
			p.log.Warnf("Block %d found with an empty contribution window", e.Height)
		}
	}

	if err := p.store.WriteRoundFound(ctx, candidate, tally); err != nil {
		p.log.Errorf("Failed to record block %d found by %s: %v", e.Height, e.Login, err)
		return fmt.Errorf("record block: %w", err)
	}

	p.metrics.BlockFound(p.pool)
	p.log.Infof("Block %d found by %s.%s, round shares %.0f, effort %.2f%%",
		e.Height, e.Login, e.Worker, snapshot.TotalShares, effort(snapshot.TotalShares, e.BlockDiff))
	return nil
}

func effort(roundShares, blockDiff float64) float64 {
	if blockDiff <= 0 {
		return 0
	}
	return roundShares / blockDiff * 100
}

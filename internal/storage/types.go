// Package storage provides the Redis-backed ledger state for TOS Ledger.
package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedMember is returned when a stored sorted-set member cannot be parsed
var ErrMalformedMember = errors.New("malformed member")

// Share is a valid share ready to be written to the ledger
type Share struct {
	Login      string
	Worker     string
	Difficulty float64
	Height     uint64
	BlockHash  string
	TxHash     string
	BlockDiff  float64
	Time       time.Time
}

// ShareWrite describes how a share changes the ledger
type ShareWrite struct {
	Share *Share

	// Solo credits the miner's solo counter instead of the window
	Solo bool

	// WindowCopies is how many window entries the share earns
	WindowCopies int

	// WindowSize caps the contribution window
	WindowSize int64

	// Block marks the share as a block solution
	Block bool
}

// RoundSnapshot is the round state read back in the same batch as a block share
type RoundSnapshot struct {
	Window      []string
	TotalShares float64
}

// Tally freezes the window snapshot into per-miner entry counts
func (s *RoundSnapshot) Tally() map[string]int64 {
	tally := make(map[string]int64)
	for _, login := range s.Window {
		tally[login]++
	}
	return tally
}

// CandidateBlock is a found block awaiting chain confirmation
type CandidateBlock struct {
	Type        string
	Finder      string
	BlockHash   string
	TxHash      string
	FoundTime   int64
	BlockDiff   float64
	TotalShares float64
	Height      uint64

	// member is the stored representation, kept so the exact member can be removed
	member string
}

// Member returns the sorted-set member for the candidate
func (c *CandidateBlock) Member() string {
	if c.member == "" {
		c.member = strings.Join([]string{
			c.Type,
			c.Finder,
			c.BlockHash,
			c.TxHash,
			strconv.FormatInt(c.FoundTime, 10),
			formatFloat(c.BlockDiff),
			formatFloat(c.TotalShares),
		}, ":")
	}
	return c.member
}

// ParseCandidate parses a candidate member stored at the given height
func ParseCandidate(member string, height uint64) (*CandidateBlock, error) {
	parts := strings.Split(member, ":")
	if len(parts) != 7 {
		return nil, fmt.Errorf("%w: candidate %q", ErrMalformedMember, member)
	}

	c := &CandidateBlock{
		Type:      parts[0],
		Finder:    parts[1],
		BlockHash: parts[2],
		TxHash:    parts[3],
		Height:    height,
		member:    member,
	}

	var err error
	if c.FoundTime, err = strconv.ParseInt(parts[4], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: candidate %q found time", ErrMalformedMember, member)
	}
	// Missing difficulty or share totals do not prevent maturation
	c.BlockDiff, _ = strconv.ParseFloat(parts[5], 64)
	c.TotalShares, _ = strconv.ParseFloat(parts[6], 64)

	return c, nil
}

// Outcome is the final state of a matured round
type Outcome int

const (
	OutcomeGenerate Outcome = 0
	OutcomeOrphan   Outcome = 1
	OutcomeKicked   Outcome = 2
)

func (o Outcome) String() string {
	switch o {
	case OutcomeGenerate:
		return "generate"
	case OutcomeOrphan:
		return "orphan"
	case OutcomeKicked:
		return "kicked"
	default:
		return "unknown"
	}
}

// MaturedBlock is a resolved round
type MaturedBlock struct {
	Candidate *CandidateBlock
	Reward    int64
	Outcome   Outcome
}

// Member returns the sorted-set member for the matured round
func (m *MaturedBlock) Member() string {
	return fmt.Sprintf("%s:%d:%d", m.Candidate.Member(), m.Reward, m.Outcome)
}

// ParseMatured parses a matured member stored at the given height
func ParseMatured(member string, height uint64) (*MaturedBlock, error) {
	idx := strings.LastIndexByte(member, ':')
	if idx < 0 {
		return nil, fmt.Errorf("%w: matured %q", ErrMalformedMember, member)
	}
	outcome, err := strconv.Atoi(member[idx+1:])
	if err != nil {
		return nil, fmt.Errorf("%w: matured %q outcome", ErrMalformedMember, member)
	}
	rest := member[:idx]

	idx = strings.LastIndexByte(rest, ':')
	if idx < 0 {
		return nil, fmt.Errorf("%w: matured %q", ErrMalformedMember, member)
	}
	reward, err := strconv.ParseInt(rest[idx+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: matured %q reward", ErrMalformedMember, member)
	}

	candidate, err := ParseCandidate(rest[:idx], height)
	if err != nil {
		return nil, err
	}
	return &MaturedBlock{Candidate: candidate, Reward: reward, Outcome: Outcome(outcome)}, nil
}

// Credit is one recipient's part of a generate round
type Credit struct {
	Login  string
	Share  float64
	Reward int64
}

// Maturation is one round being resolved together with its credits
type Maturation struct {
	Block   *MaturedBlock
	Credits []Credit
}

// Miner is a miner's ledger record
type Miner struct {
	Login       string
	Balance     int64
	Paid        int64
	SoloShares  float64
	LastShare   int64
	BlocksFound int64
}

// MinerBalance is the balance view used by the payout cycle
type MinerBalance struct {
	Login   string
	Balance int64
}

// Payout is one miner's part of a sent payment
type Payout struct {
	Login  string
	Amount int64
}

// HashrateSample is one raw weighted share event
type HashrateSample struct {
	Weight    float64
	Login     string
	Worker    string
	Timestamp int64 // unix seconds
}

// ParseHashrateSample parses a "weight:login:worker:unixMillis" member
func ParseHashrateSample(member string) (*HashrateSample, error) {
	parts := strings.Split(member, ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: hashrate %q", ErrMalformedMember, member)
	}
	weight, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: hashrate %q weight", ErrMalformedMember, member)
	}
	ms, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: hashrate %q time", ErrMalformedMember, member)
	}
	return &HashrateSample{Weight: weight, Login: parts[1], Worker: parts[2], Timestamp: ms / 1000}, nil
}

// ChartPoint is one rolled-up rate point
type ChartPoint struct {
	Hashrate    float64
	HashrateAvg float64
}

// Member returns the chart member
func (p ChartPoint) Member() string {
	return formatFloat(p.Hashrate) + ":" + formatFloat(p.HashrateAvg)
}

// ChartUpdate is everything one aggregation cycle writes
type ChartUpdate struct {
	Time   time.Time
	Pool   ChartPoint
	Miners map[string]ChartPoint

	// SamplesBefore trims per-miner raw series older than this
	SamplesBefore time.Time

	// ChartsBefore trims chart points older than this when set
	ChartsBefore time.Time
}

// NetworkInfo is the latest chain state reported by the daemon
type NetworkInfo struct {
	Height        uint64
	Difficulty    float64
	NetworkHashps float64
	Updated       int64
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

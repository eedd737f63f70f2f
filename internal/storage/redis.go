package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/tos-network/tos-ledger/internal/util"
)

// Key patterns, all prefixed with the pool's base name
const (
	keyStats            = "%s:stats"
	keyNetwork          = "%s:network"
	keyLastShares       = "%s:lastShares"
	keyRoundTally       = "%s:shares:pplnsRound%d"
	keyHashrate         = "%s:hashrate"
	keyHashrateMiner    = "%s:hashrate:miners:%s"
	keyHashrateMinerAll = "%s:hashrate:miners:*"
	keyCandidates       = "%s:blocks:candidates"
	keyMatured          = "%s:blocks:matured"
	keyMiner            = "%s:miners:%s"
	keyRewards          = "%s:rewards:%s:%s"
	keyPayments         = "%s:payments:%s"
	keyChartsPool       = "%s:charts:pool"
	keyChartsMiner      = "%s:charts:miners:%s"
	keyChartsMinerAll   = "%s:charts:miners:*"
)

// ErrCandidatesChanged is returned when the candidate set changed while a
// maturation batch was being prepared. The batch was not applied.
var ErrCandidatesChanged = errors.New("candidate set changed during maturation")

// RedisClient wraps the Redis operations of one pool
type RedisClient struct {
	client *redis.Client
	base   string
}

// NewRedisClient creates a new Redis client for the pool with the given base name
func NewRedisClient(url, password string, db int, baseName string) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Infof("Connected to Redis at %s (base %s)", url, baseName)
	return &RedisClient{client: client, base: baseName}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// BaseName returns the key prefix of the pool
func (r *RedisClient) BaseName() string {
	return r.base
}

// Client exposes the underlying client for recovery replay
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

func (r *RedisClient) key(format string, args ...interface{}) string {
	return fmt.Sprintf(format, append([]interface{}{r.base}, args...)...)
}

// Multi starts a new atomic batch
func (r *RedisClient) Multi(ctx context.Context) *Tx {
	return newTx(ctx, r.client.TxPipeline())
}

// WriteShare records a valid share. For block shares the round snapshot is
// read back inside the same batch and returned.
func (r *RedisClient) WriteShare(ctx context.Context, w *ShareWrite) (*RoundSnapshot, error) {
	s := w.Share
	now := s.Time
	if now.IsZero() {
		now = time.Now()
	}
	unix := now.Unix()
	minerKey := r.key(keyMiner, s.Login)
	statsKey := r.key(keyStats)

	tx := r.Multi(ctx)
	tx.IncrFloat(statsKey, "roundShares", s.Difficulty)
	tx.Incr(statsKey, "validShares", 1)

	if w.Solo {
		tx.IncrFloat(minerKey, "soloShares", s.Difficulty)
	} else {
		tx.PushCapped(r.key(keyLastShares), s.Login, w.WindowCopies, w.WindowSize)
	}

	// Format: "difficulty:login:worker:ms"
	member := fmt.Sprintf("%s:%s:%s:%d", formatFloat(s.Difficulty), s.Login, s.Worker, now.UnixMilli())
	tx.ZAdd(r.key(keyHashrate), float64(unix), member)
	tx.ZAdd(r.key(keyHashrateMiner, s.Login), float64(unix), member)
	tx.HSet(minerKey, "lastShare", unix)

	if !w.Block {
		return nil, tx.Exec()
	}

	tx.HSet(statsKey, "lastBlockFound", unix)
	tx.Incr(statsKey, "validBlocks", 1)
	tx.Incr(minerKey, "blocksFound", 1)

	var window *redis.StringSliceCmd
	var total *redis.StringCmd
	if w.Solo {
		total = tx.HGet(minerKey, "soloShares")
	} else {
		window = tx.LRange(r.key(keyLastShares), 0, w.WindowSize-1)
		total = tx.HGet(statsKey, "roundShares")
	}

	if err := tx.Exec(); err != nil {
		return nil, err
	}

	snapshot := &RoundSnapshot{}
	if window != nil {
		snapshot.Window = window.Val()
	}
	snapshot.TotalShares, _ = strconv.ParseFloat(total.Val(), 64)
	return snapshot, nil
}

// WriteRoundFound freezes the round tally, adds the candidate and starts a new round
func (r *RedisClient) WriteRoundFound(ctx context.Context, c *CandidateBlock, tally map[string]int64) error {
	tx := r.Multi(ctx)

	if c.Type == "solo" {
		tx.HDel(r.key(keyMiner, c.Finder), "soloShares")
	} else {
		tallyKey := r.key(keyRoundTally, c.Height)
		for _, login := range sortedLogins(tally) {
			tx.Incr(tallyKey, login, tally[login])
		}
	}

	tx.ZAdd(r.key(keyCandidates), float64(c.Height), c.Member())
	tx.HDel(r.key(keyStats), "roundShares")

	return tx.Exec()
}

// GetCandidates returns every candidate block ordered by height
func (r *RedisClient) GetCandidates(ctx context.Context) ([]*CandidateBlock, error) {
	results, err := r.client.ZRangeByScoreWithScores(ctx, r.key(keyCandidates), &redis.ZRangeBy{
		Min: "0",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	candidates := make([]*CandidateBlock, 0, len(results))
	for _, z := range results {
		member, _ := z.Member.(string)
		c, err := ParseCandidate(member, uint64(z.Score))
		if err != nil {
			util.Warnf("Skipping candidate at height %d: %v", uint64(z.Score), err)
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// GetMatured returns every matured round ordered by height
func (r *RedisClient) GetMatured(ctx context.Context) ([]*MaturedBlock, error) {
	results, err := r.client.ZRangeByScoreWithScores(ctx, r.key(keyMatured), &redis.ZRangeBy{
		Min: "0",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	matured := make([]*MaturedBlock, 0, len(results))
	for _, z := range results {
		member, _ := z.Member.(string)
		m, err := ParseMatured(member, uint64(z.Score))
		if err != nil {
			continue
		}
		matured = append(matured, m)
	}
	return matured, nil
}

// GetRoundTallies returns the frozen tally of each requested height
func (r *RedisClient) GetRoundTallies(ctx context.Context, heights []uint64) (map[uint64]map[string]int64, error) {
	pipe := r.client.Pipeline()
	cmds := make(map[uint64]*redis.StringStringMapCmd, len(heights))
	for _, h := range heights {
		if _, ok := cmds[h]; ok {
			continue
		}
		cmds[h] = pipe.HGetAll(ctx, r.key(keyRoundTally, h))
	}
	if len(cmds) == 0 {
		return map[uint64]map[string]int64{}, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	tallies := make(map[uint64]map[string]int64, len(cmds))
	for h, cmd := range cmds {
		tally := make(map[string]int64)
		for login, v := range cmd.Val() {
			count, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			tally[login] = count
		}
		tallies[h] = tally
	}
	return tallies, nil
}

// MatureRounds credits and moves resolved rounds in one batch. The batch runs
// under WATCH on the candidate set and skips rounds that are no longer
// candidates, so a round is credited and matured at most once. The rounds
// actually moved are returned.
func (r *RedisClient) MatureRounds(ctx context.Context, rounds []*Maturation) ([]*Maturation, error) {
	if len(rounds) == 0 {
		return nil, nil
	}
	candidatesKey := r.key(keyCandidates)
	now := float64(time.Now().Unix())
	var moved []*Maturation

	err := r.client.Watch(ctx, func(rtx *redis.Tx) error {
		moved = moved[:0]
		tx := newTx(ctx, rtx.TxPipeline())

		for _, round := range rounds {
			c := round.Block.Candidate
			if err := rtx.ZScore(ctx, candidatesKey, c.Member()).Err(); err != nil {
				if err == redis.Nil {
					continue
				}
				return err
			}

			for _, credit := range round.Credits {
				tx.ZAdd(r.key(keyRewards, c.Type, credit.Login), now, fmt.Sprintf("%d:%s:%s:%d",
					credit.Reward, formatFloat(credit.Share), c.BlockHash, c.Height))
				tx.Incr(r.key(keyMiner, credit.Login), "balance", credit.Reward)
			}
			tx.MoveMember(candidatesKey, r.key(keyMatured), c.Member(), round.Block.Member(), float64(c.Height))
			moved = append(moved, round)
		}

		return tx.Exec()
	}, candidatesKey)

	if err == redis.TxFailedErr {
		return nil, ErrCandidatesChanged
	}
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// GetMiner returns a miner's ledger record, nil when unknown
func (r *RedisClient) GetMiner(ctx context.Context, login string) (*Miner, error) {
	data, err := r.client.HGetAll(ctx, r.key(keyMiner, login)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	miner := &Miner{Login: login}
	if v, ok := data["balance"]; ok {
		miner.Balance, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := data["paid"]; ok {
		miner.Paid, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := data["soloShares"]; ok {
		miner.SoloShares, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := data["lastShare"]; ok {
		miner.LastShare, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := data["blocksFound"]; ok {
		miner.BlocksFound, _ = strconv.ParseInt(v, 10, 64)
	}
	return miner, nil
}

// ListMinerBalances returns every miner with a positive balance
func (r *RedisClient) ListMinerBalances(ctx context.Context) ([]*MinerBalance, error) {
	prefix := r.key(keyMiner, "")
	var keys []string
	var cursor uint64

	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+"*", 1000).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGet(ctx, key, "balance")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	var balances []*MinerBalance
	for i, cmd := range cmds {
		if cmd.Err() != nil {
			continue
		}
		balance, err := strconv.ParseInt(cmd.Val(), 10, 64)
		if err != nil || balance <= 0 {
			continue
		}
		login := strings.TrimPrefix(keys[i], prefix)
		if login == "" {
			continue
		}
		balances = append(balances, &MinerBalance{Login: login, Balance: balance})
	}
	return balances, nil
}

// PaymentCommands builds the reconciliation batch for a sent payment without running it
func (r *RedisClient) PaymentCommands(ctx context.Context, txID string, payouts []Payout, at time.Time) *Tx {
	tx := r.Multi(ctx)
	ts := float64(at.Unix())
	for _, p := range payouts {
		minerKey := r.key(keyMiner, p.Login)
		tx.Incr(minerKey, "balance", -p.Amount)
		tx.Incr(minerKey, "paid", p.Amount)
		tx.ZAdd(r.key(keyPayments, p.Login), ts, fmt.Sprintf("%s:%d", txID, p.Amount))
	}
	return tx
}

// ApplyPayments debits paid miners and records the payment. The commands of
// the batch are returned whether or not it succeeded; a failure is a
// *BatchError naming the commands that were not applied.
func (r *RedisClient) ApplyPayments(ctx context.Context, txID string, payouts []Payout, at time.Time) ([]Command, error) {
	tx := r.PaymentCommands(ctx, txID, payouts, at)
	cmds := tx.Commands()
	if err := tx.Exec(); err != nil {
		return cmds, &BatchError{Err: err, Failed: tx.Failed()}
	}
	return cmds, nil
}

// TrimAndReadHashrate drops samples older than cutoff and returns the rest
func (r *RedisClient) TrimAndReadHashrate(ctx context.Context, cutoff time.Time) ([]*HashrateSample, error) {
	key := r.key(keyHashrate)

	tx := r.Multi(ctx)
	tx.ZRemRangeByScore(key, "-inf", "("+strconv.FormatInt(cutoff.Unix(), 10))
	members := tx.ZRangeByScore(key, "0", "+inf")
	if err := tx.Exec(); err != nil {
		return nil, err
	}

	samples := make([]*HashrateSample, 0, len(members.Val()))
	for _, m := range members.Val() {
		s, err := ParseHashrateSample(m)
		if err != nil {
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// WriteCharts stores one aggregation cycle's rate points
func (r *RedisClient) WriteCharts(ctx context.Context, u *ChartUpdate) error {
	ts := float64(u.Time.Unix())
	samplesCutoff := "(" + strconv.FormatInt(u.SamplesBefore.Unix(), 10)

	tx := r.Multi(ctx)
	tx.ZAdd(r.key(keyChartsPool), ts, u.Pool.Member())

	logins := make([]string, 0, len(u.Miners))
	for login := range u.Miners {
		logins = append(logins, login)
	}
	sort.Strings(logins)

	for _, login := range logins {
		tx.ZAdd(r.key(keyChartsMiner, login), ts, u.Miners[login].Member())
		if !u.SamplesBefore.IsZero() {
			tx.ZRemRangeByScore(r.key(keyHashrateMiner, login), "-inf", samplesCutoff)
		}
	}

	if !u.ChartsBefore.IsZero() {
		chartsCutoff := "(" + strconv.FormatInt(u.ChartsBefore.Unix(), 10)
		tx.ZRemRangeByScore(r.key(keyChartsPool), "-inf", chartsCutoff)
		for _, login := range logins {
			tx.ZRemRangeByScore(r.key(keyChartsMiner, login), "-inf", chartsCutoff)
		}
	}

	return tx.Exec()
}

// PruneIdleMiners trims the per-miner series of miners that stopped
// submitting shares and are therefore skipped by WriteCharts: raw samples
// older than samplesBefore and chart points older than chartsBefore. A zero
// cutoff leaves that series alone.
func (r *RedisClient) PruneIdleMiners(ctx context.Context, samplesBefore, chartsBefore time.Time) error {
	if !samplesBefore.IsZero() {
		if err := r.pruneByScore(ctx, r.key(keyHashrateMinerAll), samplesBefore); err != nil {
			return err
		}
	}
	if !chartsBefore.IsZero() {
		if err := r.pruneByScore(ctx, r.key(keyChartsMinerAll), chartsBefore); err != nil {
			return err
		}
	}
	return nil
}

// pruneByScore drops members scored before cutoff from every key matching pattern
func (r *RedisClient) pruneByScore(ctx context.Context, pattern string, cutoff time.Time) error {
	var cursor uint64
	maxScore := "(" + strconv.FormatInt(cutoff.Unix(), 10)

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			tx := r.Multi(ctx)
			for _, key := range keys {
				tx.ZRemRangeByScore(key, "-inf", maxScore)
			}
			if err := tx.Exec(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// SetNetworkInfo stores the latest chain state
func (r *RedisClient) SetNetworkInfo(ctx context.Context, info *NetworkInfo) error {
	return r.client.HSet(ctx, r.key(keyNetwork),
		"height", info.Height,
		"difficulty", formatFloat(info.Difficulty),
		"networkHashps", formatFloat(info.NetworkHashps),
		"updated", info.Updated,
	).Err()
}

// GetNetworkInfo returns the stored chain state
func (r *RedisClient) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	data, err := r.client.HGetAll(ctx, r.key(keyNetwork)).Result()
	if err != nil {
		return nil, err
	}

	info := &NetworkInfo{}
	if v, ok := data["height"]; ok {
		info.Height, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data["difficulty"]; ok {
		info.Difficulty, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := data["networkHashps"]; ok {
		info.NetworkHashps, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := data["updated"]; ok {
		info.Updated, _ = strconv.ParseInt(v, 10, 64)
	}
	return info, nil
}

// Replay runs dumped commands as one atomic batch
func (r *RedisClient) Replay(ctx context.Context, commands []Command) error {
	if len(commands) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range commands {
			args := make([]interface{}, len(c))
			for i, a := range c {
				args[i] = a
			}
			pipe.Do(ctx, args...)
		}
		return nil
	})
	return err
}

func sortedLogins(tally map[string]int64) []string {
	logins := make([]string, 0, len(tally))
	for login := range tally {
		logins = append(logins, login)
	}
	sort.Strings(logins)
	return logins
}

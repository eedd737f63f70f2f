package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// Command is one Redis command in string form, suitable for dumping and replay
type Command []string

// BatchError is a failed EXEC. Redis still applies the commands of a MULTI
// that did not error, so Failed lists the indexes of the commands that
// reported an error; every command failed when none could be attributed.
type BatchError struct {
	Err    error
	Failed []int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%v (%d commands failed)", e.Err, len(e.Failed))
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Tx builds one MULTI/EXEC batch out of the ledger's store operations.
// Other clients never observe a partly applied batch.
type Tx struct {
	ctx  context.Context
	pipe redis.Pipeliner
	cmds []redis.Cmder
}

func newTx(ctx context.Context, pipe redis.Pipeliner) *Tx {
	return &Tx{ctx: ctx, pipe: pipe}
}

func (tx *Tx) add(cmd redis.Cmder) {
	tx.cmds = append(tx.cmds, cmd)
}

// IncrFloat increments a float hash field
func (tx *Tx) IncrFloat(key, field string, by float64) *redis.FloatCmd {
	cmd := tx.pipe.HIncrByFloat(tx.ctx, key, field, by)
	tx.add(cmd)
	return cmd
}

// Incr increments an integer hash field
func (tx *Tx) Incr(key, field string, by int64) *redis.IntCmd {
	cmd := tx.pipe.HIncrBy(tx.ctx, key, field, by)
	tx.add(cmd)
	return cmd
}

// HSet sets hash fields
func (tx *Tx) HSet(key string, values ...interface{}) {
	tx.add(tx.pipe.HSet(tx.ctx, key, values...))
}

// HDel removes hash fields
func (tx *Tx) HDel(key string, fields ...string) {
	tx.add(tx.pipe.HDel(tx.ctx, key, fields...))
}

// HGet reads a hash field inside the batch
func (tx *Tx) HGet(key, field string) *redis.StringCmd {
	cmd := tx.pipe.HGet(tx.ctx, key, field)
	tx.add(cmd)
	return cmd
}

// PushCapped pushes copies of value onto the head of a list and trims the
// list to limit entries, so the cap holds after every batch. Copies beyond
// limit would be trimmed by the same batch and are never pushed.
func (tx *Tx) PushCapped(key, value string, copies int, limit int64) {
	if limit > 0 && int64(copies) > limit {
		copies = int(limit)
	}
	if copies > 0 {
		values := make([]interface{}, copies)
		for i := range values {
			values[i] = value
		}
		tx.add(tx.pipe.LPush(tx.ctx, key, values...))
	}
	tx.add(tx.pipe.LTrim(tx.ctx, key, 0, limit-1))
}

// LRange reads list entries inside the batch
func (tx *Tx) LRange(key string, start, stop int64) *redis.StringSliceCmd {
	cmd := tx.pipe.LRange(tx.ctx, key, start, stop)
	tx.add(cmd)
	return cmd
}

// ZAdd adds a sorted-set member
func (tx *Tx) ZAdd(key string, score float64, member string) {
	tx.add(tx.pipe.ZAdd(tx.ctx, key, &redis.Z{Score: score, Member: member}))
}

// ZRem removes a sorted-set member
func (tx *Tx) ZRem(key, member string) {
	tx.add(tx.pipe.ZRem(tx.ctx, key, member))
}

// MoveMember removes member from one sorted set and adds its replacement to another
func (tx *Tx) MoveMember(from, to, member, replacement string, score float64) {
	tx.ZRem(from, member)
	tx.ZAdd(to, score, replacement)
}

// ZRemRangeByScore trims a sorted set by score
func (tx *Tx) ZRemRangeByScore(key, min, max string) {
	tx.add(tx.pipe.ZRemRangeByScore(tx.ctx, key, min, max))
}

// ZRangeByScore reads sorted-set members inside the batch
func (tx *Tx) ZRangeByScore(key, min, max string) *redis.StringSliceCmd {
	cmd := tx.pipe.ZRangeByScore(tx.ctx, key, &redis.ZRangeBy{Min: min, Max: max})
	tx.add(cmd)
	return cmd
}

// Len returns the number of queued commands
func (tx *Tx) Len() int {
	return len(tx.cmds)
}

// Commands returns the queued commands in string form
func (tx *Tx) Commands() []Command {
	out := make([]Command, 0, len(tx.cmds))
	for _, cmd := range tx.cmds {
		args := cmd.Args()
		c := make(Command, len(args))
		for i, arg := range args {
			c[i] = argString(arg)
		}
		out = append(out, c)
	}
	return out
}

func argString(arg interface{}) string {
	switch v := arg.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Failed returns the indexes of queued commands that reported an error after
// Exec, or all of them when the failure could not be attributed.
func (tx *Tx) Failed() []int {
	var failed []int
	for i, cmd := range tx.cmds {
		if err := cmd.Err(); err != nil && err != redis.Nil {
			failed = append(failed, i)
		}
	}
	if len(failed) == 0 {
		failed = make([]int, len(tx.cmds))
		for i := range failed {
			failed[i] = i
		}
	}
	return failed
}

// Exec runs the batch. Missing-key replies from reads are not failures.
func (tx *Tx) Exec() error {
	if len(tx.cmds) == 0 {
		return nil
	}
	_, err := tx.pipe.Exec(tx.ctx)
	if err != nil && err != redis.Nil {
		return err
	}
	return nil
}

// Package recovery writes and replays the store commands of payments that
// were sent but could not be recorded.
package recovery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tos-network/tos-ledger/internal/storage"
	"github.com/zeebo/blake3"
)

// ErrDigestMismatch is returned when a dump file was altered after it was written
var ErrDigestMismatch = errors.New("recovery dump digest mismatch")

const (
	fileMarker     = "_finalRedisCommands_"
	fileExt        = ".json"
	replayedSuffix = ".replayed"
)

// Dump is the operator-facing record of a failed reconciliation. Failed holds
// the indexes of the commands the store did not apply; empty means none was.
type Dump struct {
	Pool      string            `json:"pool"`
	TxID      string            `json:"txId"`
	Reason    string            `json:"reason"`
	CreatedAt time.Time         `json:"createdAt"`
	Commands  []storage.Command `json:"commands"`
	Failed    []int             `json:"failed,omitempty"`
	Digest    string            `json:"digest"`
}

// Replayer applies commands atomically
type Replayer interface {
	Replay(ctx context.Context, commands []storage.Command) error
}

// New builds a dump and seals it with the command digest. failed lists the
// indexes of commands that were not applied; nil means none was.
func New(pool, txID, reason string, commands []storage.Command, failed []int) (*Dump, error) {
	for _, i := range failed {
		if i < 0 || i >= len(commands) {
			return nil, fmt.Errorf("failed command index %d out of range", i)
		}
	}
	d := &Dump{
		Pool:      pool,
		TxID:      txID,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
		Commands:  commands,
		Failed:    failed,
	}
	sum, err := digest(commands, failed)
	if err != nil {
		return nil, err
	}
	d.Digest = sum
	return d, nil
}

func digest(commands []storage.Command, failed []int) (string, error) {
	data, err := json.Marshal(struct {
		Commands []storage.Command `json:"commands"`
		Failed   []int             `json:"failed,omitempty"`
	}{commands, failed})
	if err != nil {
		return "", fmt.Errorf("failed to encode commands: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Pending returns the commands that still have to be applied
func (d *Dump) Pending() []storage.Command {
	if len(d.Failed) == 0 {
		return d.Commands
	}
	out := make([]storage.Command, 0, len(d.Failed))
	for _, i := range d.Failed {
		out = append(out, d.Commands[i])
	}
	return out
}

// Write stores the dump in dir and returns the file path
func Write(dir string, d *Dump) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create recovery dir: %w", err)
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode dump: %w", err)
	}

	path := filepath.Join(dir, d.Pool+fileMarker+uuid.New().String()+fileExt)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write dump: %w", err)
	}
	return path, nil
}

// Read loads a dump and verifies its digest
func Read(path string) (*Dump, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var d Dump
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode dump %s: %w", path, err)
	}

	want, err := digest(d.Commands, d.Failed)
	if err != nil {
		return nil, err
	}
	if want != d.Digest {
		return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, path)
	}
	for _, i := range d.Failed {
		if i < 0 || i >= len(d.Commands) {
			return nil, fmt.Errorf("dump %s: failed command index %d out of range", path, i)
		}
	}
	return &d, nil
}

// PendingFiles lists the dumps of pool in dir that were not replayed yet.
// A missing dir holds none.
func PendingFiles(dir, pool string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, pool+fileMarker) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// MarkReplayed renames an applied dump so it is neither pending nor replayed twice
func MarkReplayed(path string) (string, error) {
	done := path + replayedSuffix
	if err := os.Rename(path, done); err != nil {
		return "", fmt.Errorf("failed to mark %s replayed: %w", path, err)
	}
	return done, nil
}

// Replay applies the pending commands of the dump in one batch
func Replay(ctx context.Context, r Replayer, d *Dump) error {
	cmds := d.Pending()
	if len(cmds) == 0 {
		return nil
	}
	if err := r.Replay(ctx, cmds); err != nil {
		return fmt.Errorf("replay of %d commands failed: %w", len(cmds), err)
	}
	return nil
}

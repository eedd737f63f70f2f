package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/tos-network/tos-ledger/internal/storage"
)

func testCommands() []storage.Command {
	return []storage.Command{
		{"hincrby", "tos:miners:A", "balance", "-970"},
		{"hincrby", "tos:miners:A", "paid", "970"},
		{"zadd", "tos:payments:A", "1700000000", "tx1:970"},
	}
}

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	d, err := New("tos-pplns", "tx1", "redis down", testCommands(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(d.Digest) != 64 {
		t.Errorf("digest length = %d, want 64", len(d.Digest))
	}

	path, err := Write(dir, d)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "tos-pplns_finalRedisCommands_") || !strings.HasSuffix(base, ".json") {
		t.Errorf("file name = %s", base)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.TxID != "tx1" || got.Pool != "tos-pplns" || len(got.Commands) != 3 {
		t.Errorf("dump = %+v", got)
	}
	if got.Commands[2][3] != "tx1:970" {
		t.Errorf("command = %v", got.Commands[2])
	}
}

func TestUniqueFileNames(t *testing.T) {
	dir := t.TempDir()
	d, _ := New("tos", "tx1", "x", testCommands(), nil)

	a, err := Write(dir, d)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Write(dir, d)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two dumps share a file name")
	}
}

func TestReadTampered(t *testing.T) {
	dir := t.TempDir()
	d, _ := New("tos", "tx1", "x", testCommands(), nil)
	path, err := Write(dir, d)
	if err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	tampered := strings.Replace(string(data), "-970", "-9700", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Read(path); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("err = %v, want ErrDigestMismatch", err)
	}
}

func TestReadMissing(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestReplay(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client, err := storage.NewRedisClient(mr.Addr(), "", 0, "tos")
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	mr.HSet("tos:miners:A", "balance", "1000")

	d, _ := New("tos", "tx1", "x", testCommands(), nil)
	if err := Replay(context.Background(), client, d); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	miner, err := client.GetMiner(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if miner.Balance != 30 || miner.Paid != 970 {
		t.Errorf("miner = %+v, want balance 30 paid 970", miner)
	}

	members, _ := mr.ZMembers("tos:payments:A")
	if len(members) != 1 || members[0] != "tx1:970" {
		t.Errorf("payments = %v", members)
	}

	score, _ := mr.ZScore("tos:payments:A", "tx1:970")
	if time.Unix(int64(score), 0).Year() != 2023 {
		t.Errorf("score = %v", score)
	}
}

func TestReplayEmpty(t *testing.T) {
	d := &Dump{}
	if err := Replay(context.Background(), nil, d); err != nil {
		t.Errorf("empty replay returned %v", err)
	}
}

func TestReplayOnlyFailedCommands(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client, err := storage.NewRedisClient(mr.Addr(), "", 0, "tos")
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	// the debit and paid increments already landed, only the record is missing
	mr.HSet("tos:miners:A", "balance", "30")
	mr.HSet("tos:miners:A", "paid", "970")

	d, err := New("tos", "tx1", "WRONGTYPE", testCommands(), []int{2})
	if err != nil {
		t.Fatal(err)
	}
	if pending := d.Pending(); len(pending) != 1 || pending[0][0] != "zadd" {
		t.Fatalf("Pending() = %v, want the zadd only", pending)
	}
	if err := Replay(context.Background(), client, d); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if got := mr.HGet("tos:miners:A", "balance"); got != "30" {
		t.Errorf("balance = %s, want 30", got)
	}
	if members, _ := mr.ZMembers("tos:payments:A"); len(members) != 1 {
		t.Errorf("payments = %v", members)
	}
}

func TestNewRejectsBadIndex(t *testing.T) {
	if _, err := New("tos", "tx1", "x", testCommands(), []int{3}); err == nil {
		t.Error("expected error for out of range index")
	}
}

func TestFailedListIsSealed(t *testing.T) {
	dir := t.TempDir()
	d, _ := New("tos", "tx1", "x", testCommands(), []int{2})
	path, err := Write(dir, d)
	if err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	tampered := strings.Replace(string(data), `"failed": [
    2
  ]`, `"failed": [
    0
  ]`, 1)
	if tampered == string(data) {
		t.Fatal("failed list not found in dump")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("err = %v, want ErrDigestMismatch", err)
	}
}

func TestPendingFilesAndMarkReplayed(t *testing.T) {
	dir := t.TempDir()

	if files, err := PendingFiles(filepath.Join(dir, "missing"), "tos"); err != nil || len(files) != 0 {
		t.Fatalf("PendingFiles(missing) = %v, %v", files, err)
	}

	d, _ := New("tos", "tx1", "x", testCommands(), nil)
	path, err := Write(dir, d)
	if err != nil {
		t.Fatal(err)
	}
	other, _ := New("tos-solo", "tx2", "x", testCommands(), nil)
	if _, err := Write(dir, other); err != nil {
		t.Fatal(err)
	}

	files, err := PendingFiles(dir, "tos")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != path {
		t.Fatalf("PendingFiles = %v, want [%s]", files, path)
	}

	done, err := MarkReplayed(path)
	if err != nil {
		t.Fatalf("MarkReplayed failed: %v", err)
	}
	if !strings.HasSuffix(done, ".replayed") {
		t.Errorf("renamed to %s", done)
	}
	if files, _ := PendingFiles(dir, "tos"); len(files) != 0 {
		t.Errorf("replayed dump still pending: %v", files)
	}
	if _, err := Read(path); err == nil {
		t.Error("original path should be gone")
	}
}

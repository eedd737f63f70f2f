package master

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/rpc"
)

func TestReloadKeepsHaltedPayoutsOff(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	var sends atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpc.RPCRequest
		json.NewDecoder(r.Body).Decode(&req)

		result := `null`
		switch req.Method {
		case "validateaddress":
			result = `{"address":"tos1pool","isvalid":true,"ismine":true}`
		case "getbalance":
			result = `1.00000000`
		case "sendmany":
			if sends.Add(1) == 1 {
				// the payment went out but the store is gone before it is recorded
				mr.SetError("ERR store unavailable")
			}
			result = `"tx1"`
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s,"error":null}`, req.ID, result)
	}))
	t.Cleanup(srv.Close)

	recoveryDir := t.TempDir()
	cfg := &config.Config{Pools: []config.PoolConfig{{
		Name:    "tos-pplns",
		Coin:    "tos",
		Enabled: true,
		Type:    config.TypePPLNS,
		PPLNS:   10,
		Address: "tos1pool",
		Redis:   config.RedisConfig{URL: mr.Addr(), BaseName: "tos"},
		Daemon:  config.DaemonConfig{URL: srv.URL, Timeout: time.Second},
		Payments: config.PaymentsConfig{
			Enabled:        true,
			Interval:       time.Hour,
			MinimumPayment: 0.000001,
			RecoveryDir:    recoveryDir,
		},
	}}}
	mr.HSet("tos:miners:A", "balance", "1000")

	m := New(cfg, func() (*config.Config, error) { return cfg, nil }, nil, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(m.Stop)

	pattern := filepath.Join(recoveryDir, "tos-pplns_finalRedisCommands_*.json")
	deadline := time.Now().Add(3 * time.Second)
	for {
		files, _ := filepath.Glob(pattern)
		if sends.Load() == 1 && len(files) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("payout did not halt: sends = %d, files = %v", sends.Load(), files)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mr.SetError("")
	if err := m.ReloadPool("tos"); err != nil {
		t.Fatalf("ReloadPool failed: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := sends.Load(); n != 1 {
		t.Errorf("sendmany calls = %d, want 1", n)
	}
	if got := mr.HGet("tos:miners:A", "balance"); got != "1000" {
		t.Errorf("A balance = %s, want 1000", got)
	}
}

package payouts

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/rpc"
	"github.com/tos-network/tos-ledger/internal/storage"
	"github.com/tos-network/tos-ledger/internal/unlocker"
	"github.com/tos-network/tos-ledger/internal/util"
)

type chainDaemon struct {
	txs map[string]rpc.TxLookup
}

func (d *chainDaemon) CheckPoolAddress(ctx context.Context, address string) error {
	return nil
}

func (d *chainDaemon) DetectPrecision(ctx context.Context) (util.Precision, error) {
	return util.NewPrecision(8)
}

func (d *chainDaemon) GetTransactions(ctx context.Context, txHashes []string) ([]rpc.TxLookup, error) {
	out := make([]rpc.TxLookup, len(txHashes))
	for i, h := range txHashes {
		out[i] = d.txs[h]
	}
	return out, nil
}

func TestMaturedRewardIsPaidOnce(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()
	store, err := storage.NewRedisClient(mr.Addr(), "", 0, "tos")
	if err != nil {
		t.Fatalf("Failed to create redis client: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	candidate := &storage.CandidateBlock{
		Type:        config.TypePPLNS,
		Finder:      "A",
		BlockHash:   "bh100",
		TxHash:      "tx100",
		FoundTime:   1700000000,
		BlockDiff:   1000,
		TotalShares: 10,
		Height:      100,
	}
	mr.ZAdd("tos:blocks:candidates", 100, candidate.Member())
	mr.HSet("tos:shares:pplnsRound100", "A", "6")
	mr.HSet("tos:shares:pplnsRound100", "B", "4")

	daemon := &chainDaemon{txs: map[string]rpc.TxLookup{
		"tx100": {Tx: &rpc.Transaction{Details: []rpc.TxDetail{
			{Address: "tos1pool", Category: "generate", Amount: "50"},
		}}},
	}}
	cfg := testConfig(t.TempDir())
	cfg.Type = config.TypePPLNS
	cfg.PPLNS = 10

	u := unlocker.New(cfg, daemon, store, nil, nil)
	if err := u.Setup(ctx); err != nil {
		t.Fatalf("unlocker Setup failed: %v", err)
	}
	matured, err := u.Process(ctx)
	if err != nil {
		t.Fatalf("unlocker Process failed: %v", err)
	}
	if matured.Generate != 1 {
		t.Fatalf("unlocker result = %+v", *matured)
	}

	wallet := &fakeWallet{}
	p := NewProcessor(cfg, wallet, store, nil, nil)
	if err := p.Setup(ctx); err != nil {
		t.Fatalf("payouts Setup failed: %v", err)
	}
	result, err := p.Process(ctx)
	if err != nil {
		t.Fatalf("payouts Process failed: %v", err)
	}
	if result.Paid != 2 || result.Total != 5000000000 {
		t.Errorf("result = %+v", *result)
	}
	if got := wallet.sent[0]["A"]; got != "30.00000000" {
		t.Errorf("A amount = %s, want 30.00000000", got)
	}

	want := map[string]string{"A": "3000000000", "B": "2000000000"}
	for login, reward := range want {
		if got := mr.HGet("tos:miners:"+login, "balance"); got != "0" {
			t.Errorf("%s balance = %s, want 0", login, got)
		}
		if got := mr.HGet("tos:miners:"+login, "paid"); got != reward {
			t.Errorf("%s paid = %s, want %s", login, got, reward)
		}
		payments, _ := mr.ZMembers("tos:payments:" + login)
		if len(payments) != 1 || payments[0] != "txid:"+reward {
			t.Errorf("%s payments = %v", login, payments)
		}
	}

	if _, err := p.Process(ctx); err != nil {
		t.Fatalf("second payouts Process failed: %v", err)
	}
	if wallet.calls != 1 {
		t.Errorf("sendmany calls = %d, want 1", wallet.calls)
	}
}

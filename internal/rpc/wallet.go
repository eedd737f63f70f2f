package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tos-network/tos-ledger/internal/util"
)

// AddressInfo is the ownership view of an address
type AddressInfo struct {
	Address string `json:"address"`
	IsValid bool   `json:"isvalid"`
	IsMine  *bool  `json:"ismine"`
}

// Transaction is a wallet transaction as returned by gettransaction
type Transaction struct {
	TxID          string     `json:"txid"`
	Confirmations int64      `json:"confirmations"`
	Details       []TxDetail `json:"details"`
}

// TxDetail is one output of a wallet transaction
type TxDetail struct {
	Address  string      `json:"address"`
	Category string      `json:"category"`
	Amount   json.Number `json:"amount"`
	Value    json.Number `json:"value"`
}

// Coins returns the output amount as a decimal string
func (d *TxDetail) Coins() string {
	if d.Amount != "" {
		return d.Amount.String()
	}
	return d.Value.String()
}

// TxLookup is the outcome of one gettransaction call of a batch
type TxLookup struct {
	Tx  *Transaction
	Err error
}

// MiningInfo is the subset of getmininginfo the ledger stores
type MiningInfo struct {
	Blocks        uint64  `json:"blocks"`
	Difficulty    float64 `json:"difficulty"`
	NetworkHashps float64 `json:"networkhashps"`
}

// ValidateAddress calls validateaddress
func (c *TOSClient) ValidateAddress(ctx context.Context, address string) (*AddressInfo, error) {
	result, err := c.call(ctx, "validateaddress", address)
	if err != nil {
		return nil, err
	}
	var info AddressInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("failed to decode validateaddress: %w", err)
	}
	return &info, nil
}

// GetAddressInfo calls getaddressinfo
func (c *TOSClient) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	result, err := c.call(ctx, "getaddressinfo", address)
	if err != nil {
		return nil, err
	}
	var info AddressInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("failed to decode getaddressinfo: %w", err)
	}
	return &info, nil
}

// CheckPoolAddress verifies the daemon wallet owns the pool address. Newer
// daemons dropped ismine from validateaddress, so getaddressinfo decides
// whenever the first answer does not report the address as owned.
func (c *TOSClient) CheckPoolAddress(ctx context.Context, address string) error {
	info, err := c.ValidateAddress(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to validate pool address: %w", err)
	}

	if info.IsMine == nil || !*info.IsMine {
		info, err = c.GetAddressInfo(ctx, address)
		if err != nil {
			return fmt.Errorf("failed to check pool address: %w", err)
		}
	}

	if info.IsMine == nil || !*info.IsMine {
		return fmt.Errorf("%w: %s", ErrAddressNotOwned, address)
	}
	return nil
}

// DetectPrecision reads the coin precision from the raw getbalance response
func (c *TOSClient) DetectPrecision(ctx context.Context) (util.Precision, error) {
	raw, err := c.callRaw(ctx, "getbalance")
	if err != nil {
		return util.Precision{}, fmt.Errorf("%w: %v", ErrPrecision, err)
	}
	p, err := util.ParsePrecision(raw)
	if err != nil {
		return util.Precision{}, fmt.Errorf("%w: %v", ErrPrecision, err)
	}
	return p, nil
}

// GetTransactions looks up all transactions in one batch
func (c *TOSClient) GetTransactions(ctx context.Context, txHashes []string) ([]TxLookup, error) {
	calls := make([]BatchRequest, len(txHashes))
	for i, h := range txHashes {
		calls[i] = BatchRequest{Method: "gettransaction", Params: []interface{}{h}}
	}

	resps, err := c.BatchCall(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("failed to batch gettransaction: %w", err)
	}

	lookups := make([]TxLookup, len(resps))
	for i, resp := range resps {
		if resp.Error != nil {
			lookups[i].Err = resp.Error
			continue
		}
		if len(resp.Result) == 0 || string(resp.Result) == "null" {
			continue
		}
		var tx Transaction
		if err := json.Unmarshal(resp.Result, &tx); err != nil {
			lookups[i].Err = fmt.Errorf("failed to decode transaction %s: %w", txHashes[i], err)
			continue
		}
		lookups[i].Tx = &tx
	}
	return lookups, nil
}

// SendMany sends one transaction paying every address its amount
func (c *TOSClient) SendMany(ctx context.Context, account string, amounts map[string]json.Number) (string, error) {
	result, err := c.call(ctx, "sendmany", account, amounts)
	if err != nil {
		return "", err
	}
	var txID string
	if err := json.Unmarshal(result, &txID); err != nil {
		return "", fmt.Errorf("failed to decode sendmany result: %w", err)
	}
	return txID, nil
}

// GetMiningInfo calls getmininginfo
func (c *TOSClient) GetMiningInfo(ctx context.Context) (*MiningInfo, error) {
	result, err := c.call(ctx, "getmininginfo")
	if err != nil {
		return nil, err
	}
	var info MiningInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("failed to decode getmininginfo: %w", err)
	}
	return &info, nil
}

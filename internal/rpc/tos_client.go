// Package rpc provides TOS chain daemon communication.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/tos-ledger/internal/util"
)

// Daemon error codes the ledger reacts to
const (
	// ErrCodeInvalidTransaction means the transaction id is unknown to the wallet
	ErrCodeInvalidTransaction = -5
	// ErrCodeInsufficientFunds means the wallet cannot cover the transaction fees
	ErrCodeInsufficientFunds = -6
)

var (
	// ErrAddressNotOwned is returned when the daemon wallet does not own the pool address
	ErrAddressNotOwned = errors.New("daemon does not own pool address")
	// ErrPrecision is returned when the coin precision cannot be detected
	ErrPrecision = errors.New("cannot detect coin precision")
)

// TOSClient handles communication with a TOS chain daemon
type TOSClient struct {
	url       string
	user      string
	password  string
	timeout   time.Duration
	client    *http.Client
	requestID uint64

	// Health tracking
	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewTOSClient creates a new daemon RPC client
func NewTOSClient(url, user, password string, timeout time.Duration) *TOSClient {
	return &TOSClient{
		url:      url,
		user:     user,
		password: password,
		timeout:  timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

// RPCRequest represents a JSON-RPC request
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      uint64        `json:"id"`
}

// RPCResponse represents a JSON-RPC response
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// IsInsufficientFunds reports whether err is the daemon's fee shortfall error
func IsInsufficientFunds(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == ErrCodeInsufficientFunds
}

// IsInvalidTransaction reports whether err is the daemon's unknown transaction error
func IsInvalidTransaction(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == ErrCodeInvalidTransaction
}

// BatchRequest is one call of a batch
type BatchRequest struct {
	Method string
	Params []interface{}
}

// post sends a JSON body and returns the raw response body
func (c *TOSClient) post(ctx context.Context, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		httpReq.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	// Daemons answer RPC errors with 500 and a JSON body, anything else without a body is fatal
	if resp.StatusCode == http.StatusUnauthorized || (resp.StatusCode >= 400 && len(respBody) == 0) {
		c.recordFailure()
		return nil, fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}

	return respBody, nil
}

func (c *TOSClient) newRequest(method string, params []interface{}) RPCRequest {
	if params == nil {
		params = []interface{}{}
	}
	return RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      atomic.AddUint64(&c.requestID, 1),
	}
}

// callRaw makes an RPC call and returns the unparsed response body
func (c *TOSClient) callRaw(ctx context.Context, method string, params ...interface{}) ([]byte, error) {
	respBody, err := c.post(ctx, c.newRequest(method, params))
	if err != nil {
		return nil, err
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordFailure()
		return nil, err
	}
	if rpcResp.Error != nil {
		c.recordSuccess()
		return nil, rpcResp.Error
	}

	c.recordSuccess()
	return respBody, nil
}

// call makes an RPC call
func (c *TOSClient) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	respBody, err := c.post(ctx, c.newRequest(method, params))
	if err != nil {
		return nil, err
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordFailure()
		return nil, err
	}

	// An RPC error is a valid answer from a healthy daemon
	c.recordSuccess()
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// BatchCall sends several calls in one JSON-RPC batch. Responses are returned
// in request order; per-call errors are carried in each response.
func (c *TOSClient) BatchCall(ctx context.Context, calls []BatchRequest) ([]RPCResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	reqs := make([]RPCRequest, len(calls))
	index := make(map[uint64]int, len(calls))
	for i, call := range calls {
		reqs[i] = c.newRequest(call.Method, call.Params)
		index[reqs[i].ID] = i
	}

	respBody, err := c.post(ctx, reqs)
	if err != nil {
		return nil, err
	}

	var resps []RPCResponse
	if err := json.Unmarshal(respBody, &resps); err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("failed to decode batch response: %w", err)
	}
	c.recordSuccess()

	ordered := make([]RPCResponse, len(calls))
	found := make([]bool, len(calls))
	for _, resp := range resps {
		i, ok := index[resp.ID]
		if !ok {
			continue
		}
		ordered[i] = resp
		found[i] = true
	}
	for i := range ordered {
		if !found[i] {
			ordered[i] = RPCResponse{ID: reqs[i].ID, Error: &RPCError{Code: -32603, Message: "missing batch response"}}
		}
	}
	return ordered, nil
}

// recordSuccess records a successful RPC call
func (c *TOSClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

// recordFailure records a failed RPC call
func (c *TOSClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= 3 && c.healthy {
		c.healthy = false
		util.Warnf("Daemon %s marked unhealthy after %d failures", c.url, c.failCount)
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the daemon is healthy
func (c *TOSClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// URL returns the daemon endpoint
func (c *TOSClient) URL() string {
	return c.url
}

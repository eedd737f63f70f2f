package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// mockRPCServer creates a test server that answers single JSON-RPC calls
func mockRPCServer(t *testing.T, handler func(req RPCRequest) (interface{}, *RPCError)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}

		var req RPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			return
		}

		result, rpcErr := handler(req)
		resp := RPCResponse{JSONRPC: "2.0", ID: req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
			w.WriteHeader(http.StatusInternalServerError)
		} else {
			resultBytes, _ := json.Marshal(result)
			resp.Result = resultBytes
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

// mockRawServer answers every call with a fixed body
func mockRawServer(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))
}

func TestNewTOSClient(t *testing.T) {
	client := NewTOSClient("http://localhost:8080", "user", "pass", 30*time.Second)

	if client == nil {
		t.Fatal("NewTOSClient returned nil")
	}
	if client.URL() != "http://localhost:8080" {
		t.Errorf("url = %s, want http://localhost:8080", client.URL())
	}
	if client.timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", client.timeout)
	}
	if !client.IsHealthy() {
		t.Error("Client should be healthy initially")
	}
}

func TestRPCErrorError(t *testing.T) {
	err := &RPCError{Code: -32600, Message: "Invalid Request"}
	expected := "RPC error -32600: Invalid Request"
	if err.Error() != expected {
		t.Errorf("Error() = %s, want %s", err.Error(), expected)
	}
}

func TestErrorClassifiers(t *testing.T) {
	funds := fmt.Errorf("send failed: %w", &RPCError{Code: ErrCodeInsufficientFunds, Message: "Insufficient funds"})
	invalid := &RPCError{Code: ErrCodeInvalidTransaction, Message: "Invalid or non-wallet transaction id"}

	if !IsInsufficientFunds(funds) {
		t.Error("wrapped -6 should be insufficient funds")
	}
	if IsInsufficientFunds(invalid) {
		t.Error("-5 should not be insufficient funds")
	}
	if !IsInvalidTransaction(invalid) {
		t.Error("-5 should be invalid transaction")
	}
	if IsInvalidTransaction(errors.New("plain")) {
		t.Error("plain error should not classify")
	}
}

func TestBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		io.WriteString(w, `{"result":{"blocks":1,"difficulty":2,"networkhashps":3},"error":null,"id":1}`)
	}))
	defer server.Close()

	client := NewTOSClient(server.URL, "rpcuser", "rpcpass", 5*time.Second)
	if _, err := client.GetMiningInfo(context.Background()); err != nil {
		t.Fatalf("GetMiningInfo failed: %v", err)
	}
	if gotUser != "rpcuser" || gotPass != "rpcpass" {
		t.Errorf("basic auth = %s/%s, want rpcuser/rpcpass", gotUser, gotPass)
	}
}

func TestUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewTOSClient(server.URL, "bad", "creds", 5*time.Second)
	if _, err := client.GetMiningInfo(context.Background()); err == nil {
		t.Error("expected error on 401")
	}
}

func TestRPCErrorOnHTTP500(t *testing.T) {
	server := mockRPCServer(t, func(req RPCRequest) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -6, Message: "Insufficient funds"}
	})
	defer server.Close()

	client := NewTOSClient(server.URL, "", "", 5*time.Second)
	_, err := client.SendMany(context.Background(), "", map[string]json.Number{"A": "1.0"})
	if !IsInsufficientFunds(err) {
		t.Errorf("expected insufficient funds, got %v", err)
	}
	if !client.IsHealthy() {
		t.Error("RPC errors should not mark the daemon unhealthy")
	}
}

func TestHealthTracking(t *testing.T) {
	client := NewTOSClient("http://127.0.0.1:1", "", "", 200*time.Millisecond)
	for i := 0; i < 3; i++ {
		client.GetMiningInfo(context.Background())
	}
	if client.IsHealthy() {
		t.Error("client should be unhealthy after 3 failures")
	}

	client.recordSuccess()
	if !client.IsHealthy() {
		t.Error("client should recover after a success")
	}
}

func TestCheckPoolAddress(t *testing.T) {
	tests := []struct {
		name     string
		validate string
		info     string
		failed   bool
		wantErr  error
		wantCall bool
	}{
		{
			name:     "validateaddress owns",
			validate: `{"isvalid":true,"ismine":true}`,
		},
		{
			name:     "validateaddress not mine",
			validate: `{"isvalid":true,"ismine":false}`,
			info:     `{"ismine":false}`,
			wantErr:  ErrAddressNotOwned,
			wantCall: true,
		},
		{
			name:     "getaddressinfo overrides ismine false",
			validate: `{"isvalid":true,"ismine":false}`,
			info:     `{"ismine":true}`,
			wantCall: true,
		},
		{
			name:   "validateaddress error",
			failed: true,
		},
		{
			name:     "fallback to getaddressinfo",
			validate: `{"isvalid":true}`,
			info:     `{"ismine":true}`,
			wantCall: true,
		},
		{
			name:     "fallback not mine",
			validate: `{"isvalid":true}`,
			info:     `{"ismine":false}`,
			wantErr:  ErrAddressNotOwned,
			wantCall: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req RPCRequest
				json.NewDecoder(r.Body).Decode(&req)
				result := tt.validate
				if req.Method == "getaddressinfo" {
					called = true
					result = tt.info
				}
				if tt.failed && req.Method == "validateaddress" {
					fmt.Fprintf(w, `{"result":null,"error":{"code":-32603,"message":"wallet loading"},"id":%d}`, req.ID)
					return
				}
				fmt.Fprintf(w, `{"result":%s,"error":null,"id":%d}`, result, req.ID)
			}))
			defer server.Close()

			client := NewTOSClient(server.URL, "", "", 5*time.Second)
			err := client.CheckPoolAddress(context.Background(), "tos1pool")
			if tt.failed {
				var rpcErr *RPCError
				if !errors.As(err, &rpcErr) {
					t.Errorf("err = %v, want the validateaddress error", err)
				}
			}
			if tt.wantErr == nil && !tt.failed && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if called != tt.wantCall {
				t.Errorf("getaddressinfo called = %v, want %v", called, tt.wantCall)
			}
		})
	}
}

func TestDetectPrecision(t *testing.T) {
	server := mockRawServer(`{"result":12.34500000,"error":null,"id":1}`)
	defer server.Close()

	client := NewTOSClient(server.URL, "", "", 5*time.Second)
	p, err := client.DetectPrecision(context.Background())
	if err != nil {
		t.Fatalf("DetectPrecision failed: %v", err)
	}
	if p.Decimals != 8 {
		t.Errorf("Decimals = %d, want 8", p.Decimals)
	}
	if p.Magnitude != 100000000 {
		t.Errorf("Magnitude = %d, want 100000000", p.Magnitude)
	}
}

func TestDetectPrecisionFails(t *testing.T) {
	server := mockRawServer(`{"result":12,"error":null,"id":1}`)
	defer server.Close()

	client := NewTOSClient(server.URL, "", "", 5*time.Second)
	if _, err := client.DetectPrecision(context.Background()); !errors.Is(err, ErrPrecision) {
		t.Errorf("err = %v, want ErrPrecision", err)
	}
}

func TestGetTransactions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []RPCRequest
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			t.Errorf("expected batch request: %v", err)
			return
		}
		if len(reqs) != 3 {
			t.Errorf("batch size = %d, want 3", len(reqs))
		}

		// Answer out of order to check reordering
		resps := []string{
			fmt.Sprintf(`{"result":null,"error":{"code":-5,"message":"Invalid or non-wallet transaction id"},"id":%d}`, reqs[2].ID),
			fmt.Sprintf(`{"result":{"txid":"t1","details":[{"address":"P","category":"generate","amount":50.00000000}]},"error":null,"id":%d}`, reqs[0].ID),
			fmt.Sprintf(`{"result":{"txid":"t2","details":[{"address":"P","category":"orphan","value":12.5}]},"error":null,"id":%d}`, reqs[1].ID),
		}
		fmt.Fprintf(w, "[%s,%s,%s]", resps[0], resps[1], resps[2])
	}))
	defer server.Close()

	client := NewTOSClient(server.URL, "", "", 5*time.Second)
	lookups, err := client.GetTransactions(context.Background(), []string{"t1", "t2", "t3"})
	if err != nil {
		t.Fatalf("GetTransactions failed: %v", err)
	}
	if len(lookups) != 3 {
		t.Fatalf("lookups = %d, want 3", len(lookups))
	}

	if lookups[0].Tx == nil || lookups[0].Tx.Details[0].Coins() != "50.00000000" {
		t.Errorf("lookup 0 = %+v", lookups[0])
	}
	if lookups[1].Tx == nil || lookups[1].Tx.Details[0].Coins() != "12.5" {
		t.Errorf("lookup 1 = %+v", lookups[1])
	}
	if !IsInvalidTransaction(lookups[2].Err) {
		t.Errorf("lookup 2 err = %v, want -5", lookups[2].Err)
	}
}

func TestBatchCallMissingResponse(t *testing.T) {
	server := mockRawServer(`[]`)
	defer server.Close()

	client := NewTOSClient(server.URL, "", "", 5*time.Second)
	resps, err := client.BatchCall(context.Background(), []BatchRequest{{Method: "gettransaction"}})
	if err != nil {
		t.Fatalf("BatchCall failed: %v", err)
	}
	if resps[0].Error == nil {
		t.Error("missing response should carry an error")
	}
}

func TestSendMany(t *testing.T) {
	var gotParams []interface{}
	server := mockRPCServer(t, func(req RPCRequest) (interface{}, *RPCError) {
		if req.Method != "sendmany" {
			t.Errorf("method = %s, want sendmany", req.Method)
		}
		gotParams = req.Params
		return "txid123", nil
	})
	defer server.Close()

	client := NewTOSClient(server.URL, "", "", 5*time.Second)
	txID, err := client.SendMany(context.Background(), "pool", map[string]json.Number{"A": "0.97000000"})
	if err != nil {
		t.Fatalf("SendMany failed: %v", err)
	}
	if txID != "txid123" {
		t.Errorf("txID = %s, want txid123", txID)
	}
	if len(gotParams) != 2 || gotParams[0] != "pool" {
		t.Fatalf("params = %v", gotParams)
	}
	amounts, ok := gotParams[1].(map[string]interface{})
	if !ok || amounts["A"] != 0.97 {
		t.Errorf("amounts = %v", gotParams[1])
	}
}

func TestGetMiningInfo(t *testing.T) {
	server := mockRPCServer(t, func(req RPCRequest) (interface{}, *RPCError) {
		return map[string]interface{}{"blocks": 1200, "difficulty": 1.5, "networkhashps": 3000000}, nil
	})
	defer server.Close()

	client := NewTOSClient(server.URL, "", "", 5*time.Second)
	info, err := client.GetMiningInfo(context.Background())
	if err != nil {
		t.Fatalf("GetMiningInfo failed: %v", err)
	}
	if info.Blocks != 1200 || info.Difficulty != 1.5 || info.NetworkHashps != 3000000 {
		t.Errorf("info = %+v", info)
	}
}

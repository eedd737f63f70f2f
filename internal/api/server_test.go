package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/metrics"
	"github.com/tos-network/tos-ledger/internal/shares"
)

type fakeController struct {
	mu        sync.Mutex
	bans      []string
	notified  []string
	submitted []*shares.Event
	submitErr error
	reloads   chan string
	events    chan struct{}
}

func newFakeController() *fakeController {
	return &fakeController{
		reloads: make(chan string, 1),
		events:  make(chan struct{}, 10),
	}
}

func (f *fakeController) BanIP(ip string) {
	f.mu.Lock()
	f.bans = append(f.bans, ip)
	f.mu.Unlock()
	f.events <- struct{}{}
}

func (f *fakeController) BlockNotify(coin, hash string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, coin+":"+hash)
	return 1
}

func (f *fakeController) ReloadPool(coin string) error {
	f.reloads <- coin
	return nil
}

func (f *fakeController) Submit(ctx context.Context, pool string, e *shares.Event) error {
	f.mu.Lock()
	f.submitted = append(f.submitted, e)
	err := f.submitErr
	f.mu.Unlock()
	f.events <- struct{}{}
	return err
}

func (f *fakeController) PoolCount() int {
	return 2
}

func (f *fakeController) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.events:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for controller call")
	}
}

func post(t *testing.T, h http.Handler, path, body, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := NewServer(config.APIConfig{}, newFakeController(), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Status string `json:"status"`
		Pools  int    `json:"pools"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body.Status != "ok" || body.Pools != 2 {
		t.Errorf("body = %+v", body)
	}
}

func TestControlEndpoints(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(config.APIConfig{}, ctrl, nil)
	h := s.Handler()

	if w := post(t, h, "/control/banip", `{"ip":"10.0.0.1"}`, ""); w.Code != http.StatusAccepted {
		t.Errorf("banip status = %d, want 202", w.Code)
	}
	ctrl.wait(t)
	if w := post(t, h, "/control/blocknotify", `{"coin":"tos","hash":"bh"}`, ""); w.Code != http.StatusAccepted {
		t.Errorf("blocknotify status = %d, want 202", w.Code)
	}
	if w := post(t, h, "/control/reloadpool", `{"coin":"tos"}`, ""); w.Code != http.StatusAccepted {
		t.Errorf("reloadpool status = %d, want 202", w.Code)
	}

	select {
	case coin := <-ctrl.reloads:
		if coin != "tos" {
			t.Errorf("reloaded %s, want tos", coin)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reloadpool was not dispatched")
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.bans) != 1 || ctrl.bans[0] != "10.0.0.1" {
		t.Errorf("bans = %v", ctrl.bans)
	}
	if len(ctrl.notified) != 1 || ctrl.notified[0] != "tos:bh" {
		t.Errorf("notified = %v", ctrl.notified)
	}
}

func TestControlBadRequest(t *testing.T) {
	s := NewServer(config.APIConfig{}, newFakeController(), nil)

	tests := []struct {
		path string
		body string
	}{
		{"/control/banip", `{}`},
		{"/control/blocknotify", `{"coin":"tos"}`},
		{"/control/reloadpool", `not json`},
	}

	for _, tt := range tests {
		if w := post(t, s.Handler(), tt.path, tt.body, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s %s status = %d, want 400", tt.path, tt.body, w.Code)
		}
	}
}

func TestControlSecret(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(config.APIConfig{Secret: "s3cret"}, ctrl, nil)
	body := `{"coin":"tos","hash":"bh"}`

	if w := post(t, s.Handler(), "/control/blocknotify", body, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no auth status = %d, want 401", w.Code)
	}
	if w := post(t, s.Handler(), "/control/blocknotify", body, "Bearer wrong"); w.Code != http.StatusForbidden {
		t.Errorf("wrong secret status = %d, want 403", w.Code)
	}
	if w := post(t, s.Handler(), "/control/blocknotify", body, "Bearer s3cret"); w.Code != http.StatusAccepted {
		t.Errorf("valid secret status = %d, want 202", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New("test")
	m.Share("tos", true)
	s := NewServer(config.APIConfig{}, newFakeController(), m.Handler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "test_shares_total") {
		t.Error("shares counter missing from exposition")
	}
}

func dialStream(t *testing.T, s *Server, pool string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/shares/" + pool
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestShareStream(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(config.APIConfig{}, ctrl, nil)
	conn := dialStream(t, s, "tos-pplns")

	share := `{"isValidShare":true,"difficulty":4,"login":"A","worker":"rig1"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(share)); err != nil {
		t.Fatal(err)
	}
	ctrl.wait(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"banIP","ip":"10.0.0.2"}`)); err != nil {
		t.Fatal(err)
	}
	ctrl.wait(t)

	ctrl.mu.Lock()
	if len(ctrl.submitted) != 1 || ctrl.submitted[0].Login != "A" || ctrl.submitted[0].Difficulty != 4 {
		t.Errorf("submitted = %+v", ctrl.submitted)
	}
	if len(ctrl.bans) != 1 || ctrl.bans[0] != "10.0.0.2" {
		t.Errorf("bans = %v", ctrl.bans)
	}
	ctrl.mu.Unlock()
}

func TestShareStreamErrors(t *testing.T) {
	ctrl := newFakeController()
	ctrl.submitErr = errors.New("unknown pool")
	s := NewServer(config.APIConfig{}, ctrl, nil)
	conn := dialStream(t, s, "nope")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
	var fe FrameError
	if err := conn.ReadJSON(&fe); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if fe.Error != "Parse error" {
		t.Errorf("error = %q, want Parse error", fe.Error)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"isValidShare":true,"difficulty":4,"login":"A"}`))
	if err := conn.ReadJSON(&fe); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if fe.Error != "unknown pool" {
		t.Errorf("error = %q, want unknown pool", fe.Error)
	}
}

func TestShareStreamNeedsSecret(t *testing.T) {
	s := NewServer(config.APIConfig{Secret: "s3cret"}, newFakeController(), nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/shares/tos"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without secret")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer s3cret")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial with secret failed: %v", err)
	}
	conn.Close()
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLimits() Limits {
	return Limits{
		MinDollar: 1, MaxDollar: 10000,
		MinSleep: time.Millisecond, MaxSleep: time.Minute,
		MinTakeProfit: 0.01, MaxTakeProfitPct: 100, MaxTakeProfitUSD: 1000,
	}
}

func newTestControl(t *testing.T, gw Gateway, pairs *PairList) (*ControlServer, *Chaser, *EventLog) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	events := NewEventLog(50)
	c := NewChaser(ctx, gw, ChaserOptions{OnEvent: events.Append, CleanupTimeout: time.Second})
	t.Cleanup(func() {
		_ = c.Stop()
		_ = c.Wait(context.Background())
	})
	s := NewControlServer(c, ControlOptions{
		Exchange:     "mock",
		Pairs:        pairs,
		Events:       events,
		Limits:       testLimits(),
		DefaultSleep: time.Minute,
	})
	return s, c, events
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rr.Body.Bytes(), &out)
	}
	return rr, out
}

func TestControlStartStatusStop(t *testing.T) {
	gw := &mockGateway{books: []OrderBookSnapshot{bookAt(100, 101)}}
	s, c, events := newTestControl(t, gw, nil)
	h := s.Handler()

	rr, body := doJSON(t, h, http.MethodPost, "/api/v1/chase/start",
		`{"symbol":"BTC/USDT","side":"long","dollar_value":500,"take_profit":{"type":"percent","value":1}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("start = %d %s", rr.Code, rr.Body)
	}
	if body["state"] != string(StateChasing) || body["quantity"] != 5.0 || body["sleep_seconds"] != 60.0 {
		t.Errorf("start body = %v", body)
	}
	done := c.Done()

	rr, _ = doJSON(t, h, http.MethodPost, "/api/v1/chase/start", `{"symbol":"BTC/USDT","side":"short","dollar_value":10}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("second start = %d", rr.Code)
	}

	waitFor(t, "order", func() bool { return len(gw.placedOrders()) == 1 })
	rr, body = doJSON(t, h, http.MethodGet, "/api/v1/chase/status", "")
	if rr.Code != http.StatusOK || body["order_id"] != "ord-1" || body["order_price"] != 100.0 {
		t.Errorf("status = %d %v", rr.Code, body)
	}

	rr, _ = doJSON(t, h, http.MethodPost, "/api/v1/chase/stop", "")
	if rr.Code != http.StatusAccepted {
		t.Errorf("stop = %d", rr.Code)
	}
	waitClosed(t, done)
	rr, _ = doJSON(t, h, http.MethodPost, "/api/v1/chase/stop", "")
	if rr.Code != http.StatusConflict {
		t.Errorf("stop while idle = %d", rr.Code)
	}
	if countKind(events, EventStopped) != 1 {
		t.Errorf("events = %+v", events.Recent(0))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?limit=2", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var list []Event
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[1].Kind != EventStopped {
		t.Errorf("recent events = %+v", list)
	}
}

func TestControlStartValidation(t *testing.T) {
	pairs, _ := ParsePairs(strings.NewReader("BTC/USDT\n"))
	tests := []struct {
		name string
		body string
		code int
		kind ErrorKind
	}{
		{"malformed json", `{"symbol":`, http.StatusBadRequest, KindInvalidParameters},
		{"unknown field", `{"symbol":"BTC/USDT","side":"long","dollar_value":5,"leverage":10}`, http.StatusBadRequest, KindInvalidParameters},
		{"bad side", `{"symbol":"BTC/USDT","side":"up","dollar_value":5}`, http.StatusBadRequest, KindInvalidParameters},
		{"amount too large", `{"symbol":"BTC/USDT","side":"long","dollar_value":50000}`, http.StatusBadRequest, KindInvalidAmount},
		{"bad take-profit", `{"symbol":"BTC/USDT","side":"long","dollar_value":5,"take_profit":{"type":"trailing","value":1}}`, http.StatusBadRequest, KindInvalidParameters},
		{"pair not listed", `{"symbol":"DOGE/USDT","side":"long","dollar_value":5}`, http.StatusBadRequest, KindInvalidParameters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &mockGateway{books: []OrderBookSnapshot{bookAt(100, 101)}}
			s, _, events := newTestControl(t, gw, pairs)
			rr, body := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/chase/start", tt.body)
			if rr.Code != tt.code || body["kind"] != string(tt.kind) {
				t.Errorf("got %d %v, want %d %s", rr.Code, body, tt.code, tt.kind)
			}
			if gw.bookCalls != 0 || len(events.Recent(0)) != 0 {
				t.Errorf("rejected request reached the chaser")
			}
		})
	}
}

func TestControlStartMapsGatewayErrors(t *testing.T) {
	tests := []struct {
		name string
		hook func(int) (OrderBookSnapshot, error)
		code int
	}{
		{"market data", func(int) (OrderBookSnapshot, error) { return OrderBookSnapshot{}, errors.New("timeout") }, http.StatusBadGateway},
		{"no liquidity", func(int) (OrderBookSnapshot, error) { return OrderBookSnapshot{}, nil }, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &mockGateway{bookHook: tt.hook}
			s, _, events := newTestControl(t, gw, nil)
			rr, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/chase/start",
				`{"symbol":"BTC/USDT","side":"long","dollar_value":5}`)
			if rr.Code != tt.code {
				t.Errorf("code = %d, want %d", rr.Code, tt.code)
			}
			if countKind(events, EventError) != 1 {
				t.Errorf("events = %+v", events.Recent(0))
			}
		})
	}
}

func TestControlPairsHealthAndMetrics(t *testing.T) {
	pairs, _ := ParsePairs(strings.NewReader("BTC/USDT\nETH/USDT\n"))
	s, _, _ := newTestControl(t, &mockGateway{}, pairs)
	h := s.Handler()

	rr, body := doJSON(t, h, http.MethodGet, "/api/v1/pairs", "")
	if rr.Code != http.StatusOK || body["exchange"] != "mock" {
		t.Fatalf("pairs = %d %v", rr.Code, body)
	}
	if list, _ := body["pairs"].([]any); len(list) != 2 {
		t.Errorf("pairs list = %v", body["pairs"])
	}

	rr, _ = doJSON(t, h, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Errorf("healthz = %d", rr.Code)
	}
	rr, _ = doJSON(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "chase_active") {
		t.Errorf("metrics = %d", rr.Code)
	}
	rr, _ = doJSON(t, h, http.MethodGet, "/api/v1/events?limit=-1", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", rr.Code)
	}
}

func TestControlCORS(t *testing.T) {
	gw := &mockGateway{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewChaser(ctx, gw, ChaserOptions{})
	s := NewControlServer(c, ControlOptions{CORSOrigins: []string{"http://ui.example"}, Limits: testLimits()})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chase/start", nil)
	req.Header.Set("Origin", "http://ui.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://ui.example" {
		t.Errorf("allow-origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/chase/status", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin allowed: %q", got)
	}
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

type fakeHitBTC struct {
	t *testing.T

	mu     sync.Mutex
	active map[string]url.Values
	hist   map[string]string
}

func (f *fakeHitBTC) notFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprint(w, `{"error":{"code":20002,"message":"Order not found","description":"Order with client_order_id not found"}}`)
}

func (f *fakeHitBTC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if user, pass, ok := r.BasicAuth(); !ok || user != "hb-key" || pass != "hb-secret" {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"code":1002,"message":"Authorization is required or has been failed"}}`)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/3")
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case path == "/public/orderbook/ETHUSDT":
		if r.URL.Query().Get("depth") != "5" {
			f.t.Errorf("depth = %q", r.URL.Query().Get("depth"))
		}
		fmt.Fprint(w, `{"timestamp":"2024-03-01T10:00:00.123Z","ask":[["3000.5","2"]],"bid":[["3000.1","1"],["2999","4"]]}`)

	case path == "/public/symbol/ETHUSDT":
		fmt.Fprint(w, `{"type":"spot","quantity_increment":"0.0001","tick_size":"0.01"}`)

	case path == "/spot/order" && r.Method == http.MethodPost:
		if err := r.ParseForm(); err != nil {
			f.t.Errorf("parse form: %v", err)
			return
		}
		id := r.PostForm.Get("client_order_id")
		f.active[id] = r.PostForm
		fmt.Fprintf(w, `{"client_order_id":%q,"status":"new"}`, id)

	case strings.HasPrefix(path, "/spot/order/"):
		id := strings.TrimPrefix(path, "/spot/order/")
		if _, ok := f.active[id]; !ok {
			f.notFound(w)
			return
		}
		if r.Method == http.MethodDelete {
			delete(f.active, id)
			f.hist[id] = "canceled"
			fmt.Fprintf(w, `{"client_order_id":%q,"status":"canceled"}`, id)
			return
		}
		fmt.Fprintf(w, `{"client_order_id":%q,"status":"partiallyFilled"}`, id)

	case path == "/spot/history/order":
		id := r.URL.Query().Get("client_order_id")
		if st, ok := f.hist[id]; ok {
			fmt.Fprintf(w, `[{"client_order_id":%q,"status":%q}]`, id, st)
			return
		}
		fmt.Fprint(w, `[]`)

	default:
		http.NotFound(w, r)
	}
}

func newFakeHitBTC(t *testing.T) (*fakeHitBTC, *HitBTCGateway) {
	t.Helper()
	f := &fakeHitBTC{t: t, active: map[string]url.Values{}, hist: map[string]string{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	gw, err := NewHitBTCGateway(HitBTCConfig{BaseURL: srv.URL + "/api/3", APIKey: "hb-key", APISecret: "hb-secret"}, Transport{})
	if err != nil {
		t.Fatal(err)
	}
	return f, gw
}

func TestHitBTCFetchOrderBook(t *testing.T) {
	_, gw := newFakeHitBTC(t)
	book, err := gw.FetchOrderBook(context.Background(), "ETH-USD")
	if err != nil {
		t.Fatal(err)
	}
	if book.Bids[0].Price != 3000.1 || book.Asks[0].Price != 3000.5 {
		t.Errorf("book = %+v", book)
	}
	if book.Time.Year() != 2024 {
		t.Errorf("timestamp not parsed: %v", book.Time)
	}
}

func TestHitBTCOrderLifecycle(t *testing.T) {
	f, gw := newFakeHitBTC(t)
	ctx := context.Background()

	req := newOrderRequest("ETH/USDT", SideBuy, 0.166639, 3000.104, RoleEntry)
	h, err := gw.PlaceLimitOrder(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if h.ID != req.ClientID || h.Quantity != 0.1666 || h.Price != 3000.1 {
		t.Errorf("handle = %+v", h)
	}
	form := f.active[h.ID]
	if form.Get("side") != "buy" || form.Get("type") != "limit" || form.Get("time_in_force") != "GTC" ||
		form.Get("quantity") != "0.1666" || form.Get("price") != "3000.1" {
		t.Errorf("form = %v", form)
	}

	if st, err := gw.FetchOrderStatus(ctx, h); err != nil || st != StatusOpen {
		t.Fatalf("status = %v, %v", st, err)
	}
	if err := gw.CancelOrder(ctx, h); err != nil {
		t.Fatal(err)
	}
	if st, err := gw.FetchOrderStatus(ctx, h); err != nil || st != StatusCanceled {
		t.Errorf("status from history = %v, %v", st, err)
	}
	err = gw.CancelOrder(ctx, h)
	if KindOf(err) != KindOrderCancel || !isHitBTCNotFound(err) {
		t.Errorf("second cancel err = %v", err)
	}
	if st, err := gw.FetchOrderStatus(ctx, OrderHandle{ID: "nope"}); err != nil || st != StatusUnknown {
		t.Errorf("unknown order = %v, %v", st, err)
	}
}

func TestHitBTCBadCredentials(t *testing.T) {
	f := &fakeHitBTC{t: t, active: map[string]url.Values{}, hist: map[string]string{}}
	srv := httptest.NewServer(f)
	defer srv.Close()
	gw, err := NewHitBTCGateway(HitBTCConfig{BaseURL: srv.URL, APIKey: "x", APISecret: "y"}, Transport{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = gw.FetchOrderBook(context.Background(), "ETH/USDT")
	if KindOf(err) != KindMarketData || !strings.Contains(err.Error(), "1002") {
		t.Errorf("err = %v", err)
	}
}

func TestHitBTCStatusMapping(t *testing.T) {
	tests := map[string]OrderStatus{
		"new":             StatusOpen,
		"partiallyFilled": StatusOpen,
		"suspended":       StatusOpen,
		"filled":          StatusFilled,
		"canceled":        StatusCanceled,
		"expired":         StatusCanceled,
		"":                StatusUnknown,
	}
	for in, want := range tests {
		if got := hitbtcStatus(in); got != want {
			t.Errorf("hitbtcStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

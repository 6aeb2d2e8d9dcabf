package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// fakeBinance serves the handful of Spot endpoints the gateway uses and checks
// request signatures.
type fakeBinance struct {
	t      *testing.T
	secret string

	mu       sync.Mutex
	orders   map[string]url.Values
	statuses map[string]string
	deleted  []string
}

func (f *fakeBinance) verify(w http.ResponseWriter, r *http.Request, q url.Values) bool {
	if r.Header.Get("X-MBX-APIKEY") != "key" {
		http.Error(w, `{"code":-2014,"msg":"API-key format invalid."}`, http.StatusUnauthorized)
		return false
	}
	sig := q.Get("signature")
	q = cloneValues(q)
	q.Del("signature")
	mac := hmac.New(sha256.New, []byte(f.secret))
	mac.Write([]byte(q.Encode()))
	if hex.EncodeToString(mac.Sum(nil)) != sig || q.Get("timestamp") == "" || q.Get("recvWindow") != "5000" {
		http.Error(w, `{"code":-1022,"msg":"Signature for this request is not valid."}`, http.StatusBadRequest)
		return false
	}
	return true
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func (f *fakeBinance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/api/v3/depth":
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"lastUpdateId":1,"bids":[["100.10","1.5"],["100.00","2"]],"asks":[["100.20","0.7"]]}`)

	case r.URL.Path == "/api/v3/exchangeInfo":
		fmt.Fprint(w, `{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.01000000"},
			{"filterType":"LOT_SIZE","stepSize":"0.00100000"}]}]}`)

	case r.URL.Path == "/api/v3/order" && r.Method == http.MethodPost:
		if err := r.ParseForm(); err != nil {
			f.t.Errorf("parse form: %v", err)
		}
		if !f.verify(w, r, r.PostForm) {
			return
		}
		f.mu.Lock()
		id := fmt.Sprint(1000 + len(f.orders))
		f.orders[id] = cloneValues(r.PostForm)
		f.statuses[id] = "NEW"
		f.mu.Unlock()
		fmt.Fprintf(w, `{"symbol":"BTCUSDT","orderId":%s,"clientOrderId":%q}`, id, r.PostForm.Get("newClientOrderId"))

	case r.URL.Path == "/api/v3/order" && r.Method == http.MethodDelete:
		q := r.URL.Query()
		if !f.verify(w, r, q) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		id := q.Get("orderId")
		if f.statuses[id] != "NEW" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-2011,"msg":"Unknown order sent."}`)
			return
		}
		f.statuses[id] = "CANCELED"
		f.deleted = append(f.deleted, id)
		fmt.Fprintf(w, `{"orderId":%s,"status":"CANCELED"}`, id)

	case r.URL.Path == "/api/v3/order" && r.Method == http.MethodGet:
		q := r.URL.Query()
		if !f.verify(w, r, q) {
			return
		}
		f.mu.Lock()
		st := f.statuses[q.Get("orderId")]
		f.mu.Unlock()
		fmt.Fprintf(w, `{"orderId":%s,"status":%q}`, q.Get("orderId"), st)

	default:
		http.NotFound(w, r)
	}
}

func newFakeBinance(t *testing.T) (*fakeBinance, *BinanceGateway) {
	t.Helper()
	f := &fakeBinance{t: t, secret: "shh", orders: map[string]url.Values{}, statuses: map[string]string{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	gw, err := NewBinanceGateway(BinanceConfig{BaseURL: srv.URL, APIKey: "key", APISecret: "shh", RecvWindow: 5000}, Transport{})
	if err != nil {
		t.Fatal(err)
	}
	return f, gw
}

func TestBinanceGatewayRequiresKeys(t *testing.T) {
	if _, err := NewBinanceGateway(BinanceConfig{BaseURL: "http://x"}, Transport{}); err == nil {
		t.Fatal("expected an error without credentials")
	}
}

func TestBinanceFetchOrderBook(t *testing.T) {
	_, gw := newFakeBinance(t)
	book, err := gw.FetchOrderBook(context.Background(), "BTC/USD")
	if err != nil {
		t.Fatal(err)
	}
	if book.Symbol != "BTC/USD" || len(book.Bids) != 2 || len(book.Asks) != 1 {
		t.Fatalf("book = %+v", book)
	}
	if book.Bids[0].Price != 100.10 || book.Asks[0].Size != 0.7 {
		t.Errorf("top of book = %+v / %+v", book.Bids[0], book.Asks[0])
	}
}

func TestBinanceFetchOrderBookError(t *testing.T) {
	_, gw := newFakeBinance(t)
	_, err := gw.FetchOrderBook(context.Background(), "NOPE/USDT")
	if KindOf(err) != KindMarketData {
		t.Fatalf("err = %v, want market_data", err)
	}
	var apiErr *binanceAPIError
	if !errors.As(err, &apiErr) || apiErr.Code != -1121 {
		t.Errorf("api error = %+v", apiErr)
	}
}

func TestBinanceOrderLifecycle(t *testing.T) {
	f, gw := newFakeBinance(t)
	ctx := context.Background()

	req := newOrderRequest("BTC/USDT", SideBuy, 4.950495049505, 100.104, RoleEntry)
	h, err := gw.PlaceLimitOrder(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if h.ID != "1000" || h.Quantity != 4.95 || h.Price != 100.1 || h.ClientID != req.ClientID {
		t.Errorf("handle = %+v", h)
	}
	sent := f.orders["1000"]
	want := map[string]string{
		"symbol": "BTCUSDT", "side": "BUY", "type": "LIMIT", "timeInForce": "GTC",
		"quantity": "4.95", "price": "100.1", "newClientOrderId": req.ClientID,
	}
	for k, v := range want {
		if sent.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, sent.Get(k), v)
		}
	}

	if st, err := gw.FetchOrderStatus(ctx, h); err != nil || st != StatusOpen {
		t.Fatalf("status = %v, %v", st, err)
	}
	if err := gw.CancelOrder(ctx, h); err != nil {
		t.Fatal(err)
	}
	if st, _ := gw.FetchOrderStatus(ctx, h); st != StatusCanceled {
		t.Errorf("status after cancel = %s", st)
	}
	err = gw.CancelOrder(ctx, h)
	if KindOf(err) != KindOrderCancel {
		t.Errorf("second cancel err = %v, want order_cancel", err)
	}
}

func TestBinanceStatusMapping(t *testing.T) {
	tests := map[string]OrderStatus{
		"NEW":              StatusOpen,
		"PARTIALLY_FILLED": StatusOpen,
		"FILLED":           StatusFilled,
		"CANCELED":         StatusCanceled,
		"EXPIRED":          StatusCanceled,
		"REJECTED":         StatusCanceled,
		"PENDING_CANCEL":   StatusUnknown,
	}
	for in, want := range tests {
		if got := binanceStatus(in); got != want {
			t.Errorf("binanceStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestCompactSymbol(t *testing.T) {
	tests := []struct {
		in        string
		usdAsUSDT bool
		want      string
	}{
		{"BTC/USDT", true, "BTCUSDT"},
		{"btc-usd", true, "BTCUSDT"},
		{"BTC/USD", false, "BTCUSD"},
		{"ETH/USDT:USDT", false, "ETHUSDT"},
	}
	for _, tt := range tests {
		if got := compactSymbol(tt.in, tt.usdAsUSDT); got != tt.want {
			t.Errorf("compactSymbol(%q, %v) = %q, want %q", tt.in, tt.usdAsUSDT, got, tt.want)
		}
	}
	if got := dashedSymbol("eth/usd"); got != "ETH-USD" {
		t.Errorf("dashedSymbol = %q", got)
	}
}

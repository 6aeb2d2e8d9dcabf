// FILE: gateway_bybit.go
// Package main — Bybit v5 unified REST gateway (HMAC header signing).
//
// - Category comes from BYBIT_CATEGORY (linear by default; spot and inverse work too).
// - Symbols like "BTC/USDT:USDT", "BTC-USDT" and "BTCUSDT" all map to "BTCUSDT".
// - Every response is wrapped in {"retCode":0,"retMsg":"OK","result":{...}};
//   a non-zero retCode is surfaced as bybitAPIError.
// - Signed requests carry X-BAPI-API-KEY / X-BAPI-TIMESTAMP / X-BAPI-RECV-WINDOW /
//   X-BAPI-SIGN = hex(HMAC_SHA256(secret, ts + key + recvWindow + payload)), where
//   payload is the query string (GET) or the JSON body (POST).

package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type BybitGateway struct {
	apiKey     secret
	apiSecret  secret
	baseURL    string
	category   string
	recvWindow int
	hc         *http.Client
	lim        *rate.Limiter
	log        *zap.Logger

	mu      sync.Mutex
	filters map[string]bybitFilters
}

type bybitFilters struct {
	qtyStep  float64
	tickSize float64
}

type bybitAPIError struct {
	Status  int
	RetCode int
	RetMsg  string
}

func (e *bybitAPIError) Error() string {
	return fmt.Sprintf("bybit: http %d retCode %d: %s", e.Status, e.RetCode, e.RetMsg)
}

func NewBybitGateway(cfg BybitConfig, tr Transport) (*BybitGateway, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("BYBIT_API_KEY and BYBIT_API_SECRET must be set")
	}
	category := strings.ToLower(strings.TrimSpace(cfg.Category))
	switch category {
	case "":
		category = "linear"
	case "linear", "inverse", "spot":
	default:
		return nil, fmt.Errorf("unsupported BYBIT_CATEGORY %q", cfg.Category)
	}
	rw := cfg.RecvWindow
	if rw <= 0 {
		rw = 5000
	}
	return &BybitGateway{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		category:   category,
		recvWindow: rw,
		hc:         httpClient(tr),
		lim:        newLimiter(tr.RPS, tr.Burst),
		log:        transportLogger(tr, "bybit"),
		filters:    map[string]bybitFilters{},
	}, nil
}

func (bg *BybitGateway) Name() string { return "bybit" }

func bybitSymbol(symbol string) string { return compactSymbol(symbol, false) }

func bybitSide(s OrderSide) string {
	if s == SideSell {
		return "Sell"
	}
	return "Buy"
}

// sign returns the X-BAPI-SIGN value for payload at ts.
func (bg *BybitGateway) sign(ts, payload string) string {
	mac := hmac.New(sha256.New, []byte(bg.apiSecret.reveal()))
	mac.Write([]byte(ts + bg.apiKey.reveal() + strconv.Itoa(bg.recvWindow) + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// call sends one request and decodes result into out. Public market endpoints
// go unsigned.
func (bg *BybitGateway) call(ctx context.Context, method, path string, q url.Values, body any, signed bool, out any) error {
	if err := bg.lim.Wait(ctx); err != nil {
		return err
	}
	u := bg.baseURL + path
	var payload string
	var req *http.Request
	var err error
	if method == http.MethodGet {
		payload = q.Encode()
		if payload != "" {
			u += "?" + payload
		}
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	} else {
		bs, merr := json.Marshal(body)
		if merr != nil {
			return merr
		}
		payload = string(bs)
		req, err = http.NewRequestWithContext(ctx, method, u, bytes.NewReader(bs))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return err
	}
	if signed {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set("X-BAPI-API-KEY", bg.apiKey.reveal())
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(bg.recvWindow))
		req.Header.Set("X-BAPI-SIGN-TYPE", "2")
		req.Header.Set("X-BAPI-SIGN", bg.sign(ts, payload))
	}

	res, err := bg.hc.Do(req)
	if err != nil {
		return fmt.Errorf("bybit %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	bs := readBody(res)
	bg.log.Debug("bybit request", zap.String("method", method), zap.String("path", path), zap.Int("status", res.StatusCode))

	var env struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if jerr := json.Unmarshal(bs, &env); jerr != nil {
		if res.StatusCode/100 != 2 {
			return &bybitAPIError{Status: res.StatusCode, RetCode: -1, RetMsg: strings.TrimSpace(string(bs))}
		}
		return fmt.Errorf("bybit %s: decode: %w", path, jerr)
	}
	if res.StatusCode/100 != 2 || env.RetCode != 0 {
		return &bybitAPIError{Status: res.StatusCode, RetCode: env.RetCode, RetMsg: env.RetMsg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("bybit %s: decode result: %w", path, err)
	}
	return nil
}

func (bg *BybitGateway) ensureFilters(ctx context.Context, sym string) (bybitFilters, error) {
	bg.mu.Lock()
	f, ok := bg.filters[sym]
	bg.mu.Unlock()
	if ok {
		return f, nil
	}
	q := url.Values{}
	q.Set("category", bg.category)
	q.Set("symbol", sym)
	var res struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				QtyStep       string `json:"qtyStep"`
				BasePrecision string `json:"basePrecision"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := bg.call(ctx, http.MethodGet, "/v5/market/instruments-info", q, nil, false, &res); err != nil {
		return bybitFilters{}, err
	}
	if len(res.List) == 0 {
		return bybitFilters{}, fmt.Errorf("instruments-info: symbol %s not found in %s", sym, bg.category)
	}
	it := res.List[0]
	f.qtyStep, _ = strconv.ParseFloat(firstNonEmpty(it.LotSizeFilter.QtyStep, it.LotSizeFilter.BasePrecision), 64)
	f.tickSize, _ = strconv.ParseFloat(it.PriceFilter.TickSize, 64)

	bg.mu.Lock()
	bg.filters[sym] = f
	bg.mu.Unlock()
	return f, nil
}

func bybitStatus(s string) OrderStatus {
	switch s {
	case "New", "PartiallyFilled", "Untriggered", "Created", "Triggered":
		return StatusOpen
	case "Filled":
		return StatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Rejected", "Deactivated":
		return StatusCanceled
	}
	return StatusUnknown
}

// ----- Gateway methods -----

func (bg *BybitGateway) FetchOrderBook(ctx context.Context, symbol string) (OrderBookSnapshot, error) {
	q := url.Values{}
	q.Set("category", bg.category)
	q.Set("symbol", bybitSymbol(symbol))
	q.Set("limit", "5")
	var res struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
		TS   int64      `json:"ts"`
	}
	if err := bg.call(ctx, http.MethodGet, "/v5/market/orderbook", q, nil, false, &res); err != nil {
		return OrderBookSnapshot{}, newChaseError(KindMarketData, opFetchBook, err)
	}
	book := OrderBookSnapshot{Symbol: symbol, Time: time.Now().UTC()}
	if res.TS > 0 {
		book.Time = time.UnixMilli(res.TS).UTC()
	}
	var err error
	if book.Bids, err = parseLevels(res.Bids); err == nil {
		book.Asks, err = parseLevels(res.Asks)
	}
	if err != nil {
		return OrderBookSnapshot{}, newChaseError(KindMarketData, opFetchBook, fmt.Errorf("bybit orderbook: %w", err))
	}
	return book, nil
}

func (bg *BybitGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error) {
	sym := bybitSymbol(req.Symbol)
	f, err := bg.ensureFilters(ctx, sym)
	if err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, err)
	}
	qtyStr, pxStr, qty, px, err := snapOrder(req.Quantity, req.Price, f.qtyStep, f.tickSize)
	if err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, fmt.Errorf("bybit %s: %w", sym, err))
	}
	body := map[string]string{
		"category":    bg.category,
		"symbol":      sym,
		"side":        bybitSide(req.Side),
		"orderType":   "Limit",
		"qty":         qtyStr,
		"price":       pxStr,
		"timeInForce": "GTC",
		"orderLinkId": req.ClientID,
	}
	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := bg.call(ctx, http.MethodPost, "/v5/order/create", nil, body, true, &res); err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, err)
	}
	if res.OrderID == "" {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, errors.New("bybit order/create: empty orderId"))
	}
	return handleFor(req, res.OrderID, px, qty), nil
}

func (bg *BybitGateway) CancelOrder(ctx context.Context, h OrderHandle) error {
	body := map[string]string{
		"category": bg.category,
		"symbol":   bybitSymbol(h.Symbol),
		"orderId":  h.ID,
	}
	if err := bg.call(ctx, http.MethodPost, "/v5/order/cancel", nil, body, true, nil); err != nil {
		return newChaseError(KindOrderCancel, opCancelOrder, err)
	}
	return nil
}

// FetchOrderStatus reads /v5/order/realtime, falling back to /v5/order/history
// for orders that have left the open-order cache.
func (bg *BybitGateway) FetchOrderStatus(ctx context.Context, h OrderHandle) (OrderStatus, error) {
	q := url.Values{}
	q.Set("category", bg.category)
	q.Set("symbol", bybitSymbol(h.Symbol))
	q.Set("orderId", h.ID)
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var res struct {
			List []struct {
				OrderID     string `json:"orderId"`
				OrderStatus string `json:"orderStatus"`
			} `json:"list"`
		}
		if err := bg.call(ctx, http.MethodGet, path, q, nil, true, &res); err != nil {
			return StatusUnknown, newChaseError(KindOrderQuery, opOrderStatus, err)
		}
		for _, o := range res.List {
			if o.OrderID == h.ID {
				return bybitStatus(o.OrderStatus), nil
			}
		}
	}
	return StatusUnknown, nil
}

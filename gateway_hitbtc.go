// FILE: gateway_hitbtc.go
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HitBTCGateway implements Gateway for HitBTC spot REST v3.
// Auth: Basic apiKey:secretKey.
// Symbols: e.g. BTCUSDT (no dash). "BTC-USD" and "BTC/USD" map to "BTCUSDT"
// (USD≈USDT). Orders are addressed by our own client_order_id, which doubles
// as the handle id.
type HitBTCGateway struct {
	client    *http.Client
	baseURL   string
	apiKey    secret
	apiSecret secret
	lim       *rate.Limiter
	log       *zap.Logger

	// lightweight cache of symbol increments
	mu        sync.Mutex
	metaCache map[string]hitbtcSymbolMeta
}

type hitbtcSymbolMeta struct {
	Symbol       string
	QtyIncrement float64 // base quantity step
	TickSize     float64 // price tick size
}

// hitbtcAPIError is the {"error":{"code":..,"message":..}} envelope.
type hitbtcAPIError struct {
	Status      int
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description"`
}

func (e *hitbtcAPIError) Error() string {
	msg := e.Message
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return fmt.Sprintf("hitbtc: http %d code %d: %s", e.Status, e.Code, msg)
}

// hitbtcOrderNotFound is returned for orders that are no longer active.
const hitbtcOrderNotFound = 20002

func isHitBTCNotFound(err error) bool {
	var apiErr *hitbtcAPIError
	return errors.As(err, &apiErr) && (apiErr.Code == hitbtcOrderNotFound || apiErr.Status == http.StatusNotFound)
}

// ---- construction ----

func NewHitBTCGateway(cfg HitBTCConfig, tr Transport) (*HitBTCGateway, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("HITBTC_API_KEY and HITBTC_API_SECRET must be set")
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.hitbtc.com/api/3"
	}
	return &HitBTCGateway{
		client:    httpClient(tr),
		baseURL:   strings.TrimRight(base, "/"),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		lim:       newLimiter(tr.RPS, tr.Burst),
		log:       transportLogger(tr, "hitbtc"),
		metaCache: make(map[string]hitbtcSymbolMeta),
	}, nil
}

func (b *HitBTCGateway) Name() string { return "hitbtc" }

// ---- interface methods ----

func (b *HitBTCGateway) FetchOrderBook(ctx context.Context, symbol string) (OrderBookSnapshot, error) {
	sym := hbNormalizeSymbol(symbol)
	data, err := b.doReq(ctx, http.MethodGet, "/public/orderbook/"+sym+"?depth=5", nil)
	if err != nil {
		return OrderBookSnapshot{}, newChaseError(KindMarketData, opFetchBook, err)
	}
	var raw struct {
		Timestamp string     `json:"timestamp"`
		Ask       [][]string `json:"ask"`
		Bid       [][]string `json:"bid"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return OrderBookSnapshot{}, newChaseError(KindMarketData, opFetchBook, fmt.Errorf("decode orderbook: %w", err))
	}
	book := OrderBookSnapshot{Symbol: symbol, Time: time.Now().UTC()}
	if ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
		book.Time = ts.UTC()
	}
	if book.Bids, err = parseLevels(raw.Bid); err == nil {
		book.Asks, err = parseLevels(raw.Ask)
	}
	if err != nil {
		return OrderBookSnapshot{}, newChaseError(KindMarketData, opFetchBook, fmt.Errorf("decode orderbook: %w", err))
	}
	return book, nil
}

func (b *HitBTCGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error) {
	sym := hbNormalizeSymbol(req.Symbol)
	meta, err := b.resolveSymbolMeta(ctx, sym)
	if err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, err)
	}
	qtyStep := meta.QtyIncrement
	if qtyStep <= 0 {
		qtyStep = 1e-8 // sensible default if exchange does not return it
	}
	qtyStr, pxStr, qty, px, err := snapOrder(req.Quantity, req.Price, qtyStep, meta.TickSize)
	if err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, fmt.Errorf("hitbtc %s: %w", sym, err))
	}

	form := url.Values{}
	form.Set("symbol", sym)
	form.Set("side", strings.ToLower(string(req.Side))) // "buy" | "sell"
	form.Set("type", "limit")
	form.Set("time_in_force", "GTC")
	form.Set("quantity", qtyStr)
	form.Set("price", pxStr)
	form.Set("client_order_id", req.ClientID)

	data, err := b.doReq(ctx, http.MethodPost, "/spot/order", strings.NewReader(form.Encode()))
	if err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, err)
	}
	var resp struct {
		ClientOrderID string `json:"client_order_id"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, fmt.Errorf("decode order: %w", err))
	}
	return handleFor(req, firstNonEmpty(resp.ClientOrderID, req.ClientID), px, qty), nil
}

func (b *HitBTCGateway) CancelOrder(ctx context.Context, h OrderHandle) error {
	if h.ID == "" {
		return newChaseError(KindOrderCancel, opCancelOrder, errors.New("client order id required"))
	}
	path := "/spot/order/" + url.PathEscape(h.ID)
	if _, err := b.doReq(ctx, http.MethodDelete, path, nil); err != nil {
		return newChaseError(KindOrderCancel, opCancelOrder, err)
	}
	return nil
}

// FetchOrderStatus asks the active-orders endpoint first; orders that have
// left the book are looked up in history.
func (b *HitBTCGateway) FetchOrderStatus(ctx context.Context, h OrderHandle) (OrderStatus, error) {
	data, err := b.doReq(ctx, http.MethodGet, "/spot/order/"+url.PathEscape(h.ID), nil)
	if err == nil {
		var o struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &o); err != nil {
			return StatusUnknown, newChaseError(KindOrderQuery, opOrderStatus, fmt.Errorf("decode order: %w", err))
		}
		return hitbtcStatus(o.Status), nil
	}
	if !isHitBTCNotFound(err) {
		return StatusUnknown, newChaseError(KindOrderQuery, opOrderStatus, err)
	}

	q := url.Values{}
	q.Set("client_order_id", h.ID)
	data, err = b.doReq(ctx, http.MethodGet, "/spot/history/order?"+q.Encode(), nil)
	if err != nil {
		return StatusUnknown, newChaseError(KindOrderQuery, opOrderStatus, err)
	}
	var hist []struct {
		ClientOrderID string `json:"client_order_id"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(data, &hist); err != nil {
		return StatusUnknown, newChaseError(KindOrderQuery, opOrderStatus, fmt.Errorf("decode order history: %w", err))
	}
	for _, o := range hist {
		if o.ClientOrderID == h.ID {
			return hitbtcStatus(o.Status), nil
		}
	}
	return StatusUnknown, nil
}

func hitbtcStatus(s string) OrderStatus {
	switch strings.ToLower(s) {
	case "new", "suspended", "partiallyfilled":
		return StatusOpen
	case "filled":
		return StatusFilled
	case "canceled", "expired":
		return StatusCanceled
	}
	return StatusUnknown
}

// ---- internal HTTP helpers ----

func (b *HitBTCGateway) doReq(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	if err := b.lim.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	cred := base64.StdEncoding.EncodeToString([]byte(b.apiKey.reveal() + ":" + b.apiSecret.reveal()))
	req.Header.Set("Authorization", "Basic "+cred)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hitbtc %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data := readBody(resp)
	b.log.Debug("hitbtc request", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
	if resp.StatusCode >= 400 {
		var env struct {
			Error *hitbtcAPIError `json:"error"`
		}
		if json.Unmarshal(data, &env) == nil && env.Error != nil {
			env.Error.Status = resp.StatusCode
			return nil, env.Error
		}
		return nil, &hitbtcAPIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// ---- symbol meta ----

func (b *HitBTCGateway) resolveSymbolMeta(ctx context.Context, symbol string) (hitbtcSymbolMeta, error) {
	b.mu.Lock()
	m, ok := b.metaCache[symbol]
	b.mu.Unlock()
	if ok {
		return m, nil
	}
	data, err := b.doReq(ctx, http.MethodGet, "/public/symbol/"+symbol, nil)
	if err != nil {
		return hitbtcSymbolMeta{}, err
	}
	var s struct {
		QuantityIncrement string `json:"quantity_increment"`
		TickSize          string `json:"tick_size"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return hitbtcSymbolMeta{}, fmt.Errorf("decode symbol meta: %w", err)
	}
	qtyInc, _ := strconv.ParseFloat(s.QuantityIncrement, 64)
	tick, _ := strconv.ParseFloat(s.TickSize, 64)
	meta := hitbtcSymbolMeta{Symbol: symbol, QtyIncrement: qtyInc, TickSize: tick}

	b.mu.Lock()
	b.metaCache[symbol] = meta
	b.mu.Unlock()
	return meta, nil
}

// ---- small utils (file-local names to avoid collisions) ----

func hbNormalizeSymbol(product string) string { return compactSymbol(product, true) }

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

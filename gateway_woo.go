// FILE: gateway_woo.go
// Package main — WOO X v1 REST gateway (HMAC signing).
//
// - Symbols are venue-prefixed: "PERP_BTC_USDT", "SPOT_ETH_USDT". ccxt-style
//   "BTC/USDT:USDT" is always a perp; plain "BTC/USDT" or "BTCUSDT" uses
//   WOO_MARKET (perp by default).
// - Every response carries {"success":bool}; failures add "code" and "message"
//   and are surfaced as wooAPIError.
// - Signed requests carry x-api-key / x-api-timestamp / x-api-signature =
//   hex(HMAC_SHA256(secret, "k1=v1&k2=v2|" + ts)), params sorted by key and
//   left unescaped.

package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type WooGateway struct {
	apiKey    secret
	apiSecret secret
	baseURL   string
	market    string
	hc        *http.Client
	lim       *rate.Limiter
	log       *zap.Logger

	mu      sync.Mutex
	filters map[string]wooFilters
}

type wooFilters struct {
	baseTick  float64
	quoteTick float64
}

type wooAPIError struct {
	Status  int
	Code    int
	Message string
}

func (e *wooAPIError) Error() string {
	return fmt.Sprintf("woo: http %d code %d: %s", e.Status, e.Code, e.Message)
}

func NewWooGateway(cfg WooConfig, tr Transport) (*WooGateway, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("WOO_API_KEY and WOO_API_SECRET must be set")
	}
	market := strings.ToLower(strings.TrimSpace(cfg.Market))
	switch market {
	case "":
		market = "perp"
	case "perp", "spot":
	default:
		return nil, fmt.Errorf("unsupported WOO_MARKET %q", cfg.Market)
	}
	return &WooGateway{
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		market:    market,
		hc:        httpClient(tr),
		lim:       newLimiter(tr.RPS, tr.Burst),
		log:       transportLogger(tr, "woo"),
		filters:   map[string]wooFilters{},
	}, nil
}

func (wg *WooGateway) Name() string { return "woo" }

// wooSymbol maps "BTC/USDT:USDT", "BTC-USDT" or "BTCUSDT" to the venue's
// "PERP_BTC_USDT" / "SPOT_BTC_USDT" form.
func wooSymbol(symbol, market string) string {
	p := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.HasPrefix(p, "SPOT_") || strings.HasPrefix(p, "PERP_") {
		return p
	}
	if i := strings.IndexByte(p, ':'); i >= 0 {
		p, market = p[:i], "perp"
	}
	p = strings.NewReplacer("/", "_", "-", "_").Replace(p)
	if !strings.Contains(p, "_") {
		for _, q := range []string{"USDT", "USDC", "USD"} {
			if strings.HasSuffix(p, q) && len(p) > len(q) {
				p = p[:len(p)-len(q)] + "_" + q
				break
			}
		}
	}
	if market == "spot" {
		return "SPOT_" + p
	}
	return "PERP_" + p
}

// wooParams renders params sorted by key, unescaped, as the signature expects.
func wooParams(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+q.Get(k))
	}
	return strings.Join(parts, "&")
}

func (wg *WooGateway) sign(params, ts string) string {
	mac := hmac.New(sha256.New, []byte(wg.apiSecret.reveal()))
	mac.Write([]byte(params + "|" + ts))
	return hex.EncodeToString(mac.Sum(nil))
}

// call sends one request and decodes the response body into out. GET and
// DELETE carry params in the query string, POST as a form body.
func (wg *WooGateway) call(ctx context.Context, method, path string, q url.Values, signed bool, out any) error {
	if err := wg.lim.Wait(ctx); err != nil {
		return err
	}
	u := wg.baseURL + path
	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, u, strings.NewReader(q.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		if len(q) > 0 {
			u += "?" + q.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return err
	}
	if signed {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set("x-api-key", wg.apiKey.reveal())
		req.Header.Set("x-api-timestamp", ts)
		req.Header.Set("x-api-signature", wg.sign(wooParams(q), ts))
	}

	res, err := wg.hc.Do(req)
	if err != nil {
		return fmt.Errorf("woo %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	bs := readBody(res)
	wg.log.Debug("woo request", zap.String("method", method), zap.String("path", path), zap.Int("status", res.StatusCode))

	var env struct {
		Success bool   `json:"success"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if jerr := json.Unmarshal(bs, &env); jerr != nil {
		if res.StatusCode/100 != 2 {
			return &wooAPIError{Status: res.StatusCode, Code: -1, Message: strings.TrimSpace(string(bs))}
		}
		return fmt.Errorf("woo %s: decode: %w", path, jerr)
	}
	if res.StatusCode/100 != 2 || !env.Success {
		return &wooAPIError{Status: res.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bs, out); err != nil {
		return fmt.Errorf("woo %s: decode result: %w", path, err)
	}
	return nil
}

func (wg *WooGateway) ensureFilters(ctx context.Context, sym string) (wooFilters, error) {
	wg.mu.Lock()
	f, ok := wg.filters[sym]
	wg.mu.Unlock()
	if ok {
		return f, nil
	}
	var res struct {
		Info struct {
			Symbol    string  `json:"symbol"`
			QuoteTick float64 `json:"quote_tick"`
			BaseTick  float64 `json:"base_tick"`
		} `json:"info"`
	}
	if err := wg.call(ctx, http.MethodGet, "/v1/public/info/"+sym, nil, false, &res); err != nil {
		return wooFilters{}, err
	}
	if res.Info.Symbol == "" {
		return wooFilters{}, fmt.Errorf("public/info: symbol %s not found", sym)
	}
	f = wooFilters{baseTick: res.Info.BaseTick, quoteTick: res.Info.QuoteTick}

	wg.mu.Lock()
	wg.filters[sym] = f
	wg.mu.Unlock()
	return f, nil
}

func wooStatus(s string) OrderStatus {
	switch s {
	case "NEW", "PARTIAL_FILLED", "INCOMPLETE":
		return StatusOpen
	case "FILLED", "COMPLETED":
		return StatusFilled
	case "CANCELLED", "REJECTED":
		return StatusCanceled
	}
	return StatusUnknown
}

// ----- Gateway methods -----

func (wg *WooGateway) FetchOrderBook(ctx context.Context, symbol string) (OrderBookSnapshot, error) {
	q := url.Values{}
	q.Set("max_level", "5")
	var res struct {
		Asks []struct {
			Price    float64 `json:"price"`
			Quantity float64 `json:"quantity"`
		} `json:"asks"`
		Bids []struct {
			Price    float64 `json:"price"`
			Quantity float64 `json:"quantity"`
		} `json:"bids"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := wg.call(ctx, http.MethodGet, "/v1/orderbook/"+wooSymbol(symbol, wg.market), q, true, &res); err != nil {
		return OrderBookSnapshot{}, newChaseError(KindMarketData, opFetchBook, err)
	}
	book := OrderBookSnapshot{Symbol: symbol, Time: time.Now().UTC()}
	if res.Timestamp > 0 {
		book.Time = time.UnixMilli(res.Timestamp).UTC()
	}
	for _, l := range res.Bids {
		book.Bids = append(book.Bids, BookLevel{Price: l.Price, Size: l.Quantity})
	}
	for _, l := range res.Asks {
		book.Asks = append(book.Asks, BookLevel{Price: l.Price, Size: l.Quantity})
	}
	return book, nil
}

func (wg *WooGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error) {
	sym := wooSymbol(req.Symbol, wg.market)
	f, err := wg.ensureFilters(ctx, sym)
	if err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, err)
	}
	qtyStr, pxStr, qty, px, err := snapOrder(req.Quantity, req.Price, f.baseTick, f.quoteTick)
	if err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, fmt.Errorf("woo %s: %w", sym, err))
	}
	q := url.Values{}
	q.Set("symbol", sym)
	q.Set("order_type", "LIMIT")
	q.Set("side", string(req.Side))
	q.Set("order_price", pxStr)
	q.Set("order_quantity", qtyStr)
	var res struct {
		OrderID int64 `json:"order_id"`
	}
	if err := wg.call(ctx, http.MethodPost, "/v1/order", q, true, &res); err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, err)
	}
	if res.OrderID == 0 {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, errors.New("woo order: empty order_id"))
	}
	return handleFor(req, strconv.FormatInt(res.OrderID, 10), px, qty), nil
}

func (wg *WooGateway) CancelOrder(ctx context.Context, h OrderHandle) error {
	q := url.Values{}
	q.Set("order_id", h.ID)
	q.Set("symbol", wooSymbol(h.Symbol, wg.market))
	if err := wg.call(ctx, http.MethodDelete, "/v1/order", q, true, nil); err != nil {
		return newChaseError(KindOrderCancel, opCancelOrder, err)
	}
	return nil
}

func (wg *WooGateway) FetchOrderStatus(ctx context.Context, h OrderHandle) (OrderStatus, error) {
	var res struct {
		OrderID int64  `json:"order_id"`
		Status  string `json:"status"`
	}
	if err := wg.call(ctx, http.MethodGet, "/v1/order/"+url.PathEscape(h.ID), nil, true, &res); err != nil {
		return StatusUnknown, newChaseError(KindOrderQuery, opOrderStatus, err)
	}
	return wooStatus(res.Status), nil
}

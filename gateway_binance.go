// FILE: gateway_binance.go
// Package main — Binance Spot gateway (direct REST/HMAC).
//
// - Maps symbols like "BTC-USD" / "BTC/USDT" -> Binance "BTCUSDT" (USD≈USDT).
// - Entry and take-profit orders are LIMIT GTC; quantity is snapped down to
//   LOT_SIZE.stepSize and price to PRICE_FILTER.tickSize from /api/v3/exchangeInfo.
// - Signed calls put timestamp/recvWindow/signature in the query (GET/DELETE)
//   or form body (POST).
//
// Env (see config.go):
//   BINANCE_API_KEY, BINANCE_API_SECRET
//   BINANCE_API_BASE=https://api.binance.com
//   BINANCE_RECV_WINDOW_MS=5000

package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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

type BinanceGateway struct {
	apiKey     secret
	apiSecret  secret
	baseURL    string
	recvWindow int64
	hc         *http.Client
	lim        *rate.Limiter
	log        *zap.Logger

	mu      sync.Mutex
	filters map[string]*bnSymbol
}

type bnSymbol struct {
	symbol   string
	baseStep float64 // LOT_SIZE.stepSize
	tickSize float64 // PRICE_FILTER.tickSize
}

// binanceAPIError is the {"code":-2011,"msg":"Unknown order sent."} envelope.
type binanceAPIError struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *binanceAPIError) Error() string {
	return fmt.Sprintf("binance: http %d code %d: %s", e.Status, e.Code, e.Msg)
}

func NewBinanceGateway(cfg BinanceConfig, tr Transport) (*BinanceGateway, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("BINANCE_API_KEY and BINANCE_API_SECRET must be set")
	}
	return &BinanceGateway{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		recvWindow: int64(cfg.RecvWindow),
		hc:         httpClient(tr),
		lim:        newLimiter(tr.RPS, tr.Burst),
		log:        transportLogger(tr, "binance"),
		filters:    map[string]*bnSymbol{},
	}, nil
}

func (bb *BinanceGateway) Name() string { return "binance" }

// ----- Helpers -----

func binanceSymbol(symbol string) string { return compactSymbol(symbol, true) }

func (bb *BinanceGateway) sign(q url.Values) string {
	mac := hmac.New(sha256.New, []byte(bb.apiSecret.reveal()))
	_, _ = io.WriteString(mac, q.Encode())
	return hex.EncodeToString(mac.Sum(nil))
}

// do sends one request. Signed requests get timestamp/recvWindow/signature.
func (bb *BinanceGateway) do(ctx context.Context, method, path string, q url.Values, signed bool) ([]byte, error) {
	if err := bb.lim.Wait(ctx); err != nil {
		return nil, err
	}
	if q == nil {
		q = url.Values{}
	}
	if signed {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if bb.recvWindow > 0 {
			q.Set("recvWindow", strconv.FormatInt(bb.recvWindow, 10))
		}
		q.Set("signature", bb.sign(q))
	}
	u := bb.baseURL + path
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(q.Encode())
	} else {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if bb.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", bb.apiKey.reveal())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	res, err := bb.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	bs := readBody(res)
	bb.log.Debug("binance request", zap.String("method", method), zap.String("path", path), zap.Int("status", res.StatusCode))
	if res.StatusCode/100 != 2 {
		apiErr := &binanceAPIError{Status: res.StatusCode}
		if json.Unmarshal(bs, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(bs))
		}
		return nil, apiErr
	}
	return bs, nil
}

func (bb *BinanceGateway) ensureSymbol(ctx context.Context, symbol string) (*bnSymbol, error) {
	bb.mu.Lock()
	s, ok := bb.filters[symbol]
	bb.mu.Unlock()
	if ok {
		return s, nil
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	bs, err := bb.do(ctx, http.MethodGet, "/api/v3/exchangeInfo", q, false)
	if err != nil {
		return nil, err
	}
	var ex struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(bs, &ex); err != nil {
		return nil, err
	}
	if len(ex.Symbols) == 0 {
		return nil, fmt.Errorf("exchangeInfo: symbol %s not found", symbol)
	}
	e := ex.Symbols[0]
	sf := &bnSymbol{symbol: e.Symbol}
	for _, f := range e.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			sf.baseStep, _ = strconv.ParseFloat(f.StepSize, 64)
		case "PRICE_FILTER":
			sf.tickSize, _ = strconv.ParseFloat(f.TickSize, 64)
		}
	}
	if sf.baseStep <= 0 {
		sf.baseStep = 0.000001 // conservative fallback
	}

	bb.mu.Lock()
	bb.filters[symbol] = sf
	bb.mu.Unlock()
	return sf, nil
}

func binanceStatus(s string) OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "PARTIALLY_FILLED", "PENDING_NEW":
		return StatusOpen
	case "FILLED":
		return StatusFilled
	case "CANCELED", "EXPIRED", "REJECTED", "EXPIRED_IN_MATCH":
		return StatusCanceled
	}
	return StatusUnknown
}

// ----- Gateway methods -----

func (bb *BinanceGateway) FetchOrderBook(ctx context.Context, symbol string) (OrderBookSnapshot, error) {
	sym := binanceSymbol(symbol)
	q := url.Values{}
	q.Set("symbol", sym)
	q.Set("limit", "5")
	bs, err := bb.do(ctx, http.MethodGet, "/api/v3/depth", q, false)
	if err != nil {
		return OrderBookSnapshot{}, newChaseError(KindMarketData, opFetchBook, err)
	}
	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(bs, &raw); err != nil {
		return OrderBookSnapshot{}, newChaseError(KindMarketData, opFetchBook, fmt.Errorf("binance depth: %w", err))
	}
	book := OrderBookSnapshot{Symbol: symbol, Time: time.Now().UTC()}
	if book.Bids, err = parseLevels(raw.Bids); err == nil {
		book.Asks, err = parseLevels(raw.Asks)
	}
	if err != nil {
		return OrderBookSnapshot{}, newChaseError(KindMarketData, opFetchBook, fmt.Errorf("binance depth: %w", err))
	}
	return book, nil
}

func (bb *BinanceGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error) {
	sym := binanceSymbol(req.Symbol)
	sf, err := bb.ensureSymbol(ctx, sym)
	if err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, err)
	}
	qtyStr, pxStr, qty, px, err := snapOrder(req.Quantity, req.Price, sf.baseStep, sf.tickSize)
	if err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, fmt.Errorf("binance %s: %w", sym, err))
	}

	q := url.Values{}
	q.Set("symbol", sym)
	q.Set("side", string(req.Side))
	q.Set("type", "LIMIT")
	q.Set("timeInForce", "GTC")
	q.Set("quantity", qtyStr)
	q.Set("price", pxStr)
	q.Set("newClientOrderId", req.ClientID)
	q.Set("newOrderRespType", "ACK")
	bs, err := bb.do(ctx, http.MethodPost, "/api/v3/order", q, true)
	if err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, err)
	}
	var ord struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(bs, &ord); err != nil || ord.OrderID == 0 {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder,
			fmt.Errorf("binance order: unexpected response %s", strings.TrimSpace(string(bs))))
	}
	return handleFor(req, strconv.FormatInt(ord.OrderID, 10), px, qty), nil
}

func (bb *BinanceGateway) CancelOrder(ctx context.Context, h OrderHandle) error {
	q := url.Values{}
	q.Set("symbol", binanceSymbol(h.Symbol))
	q.Set("orderId", h.ID)
	if _, err := bb.do(ctx, http.MethodDelete, "/api/v3/order", q, true); err != nil {
		return newChaseError(KindOrderCancel, opCancelOrder, err)
	}
	return nil
}

func (bb *BinanceGateway) FetchOrderStatus(ctx context.Context, h OrderHandle) (OrderStatus, error) {
	q := url.Values{}
	q.Set("symbol", binanceSymbol(h.Symbol))
	q.Set("orderId", h.ID)
	bs, err := bb.do(ctx, http.MethodGet, "/api/v3/order", q, true)
	if err != nil {
		return StatusUnknown, newChaseError(KindOrderQuery, opOrderStatus, err)
	}
	var ord struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(bs, &ord); err != nil {
		return StatusUnknown, newChaseError(KindOrderQuery, opOrderStatus, fmt.Errorf("binance order status: %w", err))
	}
	return binanceStatus(ord.Status), nil
}

// FILE: gateway.go
// Package main – Exchange gateway abstractions shared by all backends.
//
// This file defines the uniform surface the chase loop needs to talk to an
// exchange:
//   • Gateway interface: order book fetch, place/cancel/query limit orders
//   • Common types: OrderSide, Side, OrderRequest, OrderHandle, OrderStatus,
//     OrderBookSnapshot
//
// Concrete implementations live in separate files:
//   • gateway_binance.go  – Binance spot REST (HMAC query signing)
//   • gateway_bybit.go    – Bybit v5 REST (HMAC header signing)
//   • gateway_hitbtc.go   – HitBTC v3 REST (Basic auth)
//   • gateway_coinbase.go – Coinbase Advanced Trade REST (JWT)
//   • gateway_paper.go    – in-memory simulated book (no external calls)
//
// Gateways are stateless per call apart from metadata caches (tick/step sizes)
// and never retry; retry policy belongs to the chaser.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OrderSide is the exchange-level side of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Side is the direction of the position being entered.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide accepts long/short (and buy/sell as aliases), case-insensitive.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	}
	return "", fmt.Errorf("unknown side %q (want long or short)", s)
}

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// EntryOrderSide is BUY for Long and SELL for Short.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return SideSell
	}
	return SideBuy
}

// ExitOrderSide is the opposite of EntryOrderSide.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return SideBuy
	}
	return SideSell
}

// OrderRole tags why an order was placed.
type OrderRole string

const (
	RoleEntry      OrderRole = "entry"
	RoleTakeProfit OrderRole = "take_profit"
)

// OrderRequest is immutable once submitted.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Quantity float64
	Price    float64
	Role     OrderRole
	ClientID string
}

func newOrderRequest(symbol string, side OrderSide, qty, price float64, role OrderRole) OrderRequest {
	return OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Price:    price,
		Role:     role,
		ClientID: newClientOrderID(),
	}
}

// newClientOrderID returns a 32-char id accepted by every supported venue.
func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// OrderHandle identifies one placed order. A replacement order gets a new
// handle; handles are never edited in place.
type OrderHandle struct {
	ID       string    `json:"id"`
	ClientID string    `json:"client_id,omitempty"`
	Symbol   string    `json:"symbol"`
	Side     OrderSide `json:"side"`
	Role     OrderRole `json:"role"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	PlacedAt time.Time `json:"placed_at"`
}

func handleFor(req OrderRequest, id string, price, qty float64) OrderHandle {
	return OrderHandle{
		ID:       id,
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Role:     req.Role,
		Price:    price,
		Quantity: qty,
		PlacedAt: time.Now().UTC(),
	}
}

// OrderStatus is polled from the exchange. Partially filled orders are
// reported as StatusOpen.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
	StatusUnknown  OrderStatus = "unknown"
)

// BookLevel is one price level.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBookSnapshot holds levels sorted best-first: Bids[0] is the highest
// bid, Asks[0] the lowest ask. Either side may be empty.
type OrderBookSnapshot struct {
	Symbol string      `json:"symbol"`
	Time   time.Time   `json:"time"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}

// Gateway is the minimal surface the chaser needs to operate.
type Gateway interface {
	Name() string
	FetchOrderBook(ctx context.Context, symbol string) (OrderBookSnapshot, error)
	PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)
	CancelOrder(ctx context.Context, h OrderHandle) error
	FetchOrderStatus(ctx context.Context, h OrderHandle) (OrderStatus, error)
}

// NewGatewayFromConfig wires the backend selected by cfg.Exchange.
// Every backend is wrapped with the metrics decorator.
func NewGatewayFromConfig(cfg Config) (Gateway, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Exchange)) {
	case "binance":
		g, err := NewBinanceGateway(cfg.Binance, cfg.Transport)
		if err != nil {
			return nil, err
		}
		return instrument(g), nil
	case "bybit":
		g, err := NewBybitGateway(cfg.Bybit, cfg.Transport)
		if err != nil {
			return nil, err
		}
		return instrument(g), nil
	case "woo":
		g, err := NewWooGateway(cfg.Woo, cfg.Transport)
		if err != nil {
			return nil, err
		}
		return instrument(g), nil
	case "hitbtc":
		g, err := NewHitBTCGateway(cfg.HitBTC, cfg.Transport)
		if err != nil {
			return nil, err
		}
		return instrument(g), nil
	case "coinbase":
		g, err := NewCoinbaseGateway(cfg.Coinbase, cfg.Transport)
		if err != nil {
			return nil, err
		}
		return instrument(g), nil
	case "paper", "":
		return instrument(NewPaperGateway(cfg.Paper)), nil
	}
	return nil, fmt.Errorf("unsupported exchange %q", cfg.Exchange)
}

func httpClient(tr Transport) *http.Client {
	t := tr.HTTPTimeout
	if t <= 0 {
		t = 15 * time.Second
	}
	return &http.Client{Timeout: t}
}

func transportLogger(tr Transport, name string) *zap.Logger {
	if tr.Log == nil {
		return zap.NewNop()
	}
	return tr.Log.With(zap.String("exchange", name))
}

// readBody drains a response body, capping what is kept for error messages.
func readBody(res *http.Response) []byte {
	bs, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	return bs
}

// newLimiter builds the per-gateway request throttle. rps <= 0 disables it.
func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// compactSymbol maps "BTC/USDT", "BTC-USDT" and ccxt-style "BTC/USDT:USDT"
// to "BTCUSDT". When usdAsUSDT is set, a bare USD quote becomes USDT.
func compactSymbol(symbol string, usdAsUSDT bool) string {
	p := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexByte(p, ':'); i >= 0 {
		p = p[:i]
	}
	p = strings.ReplaceAll(p, "/", "-")
	if usdAsUSDT && strings.HasSuffix(p, "-USD") {
		p = p[:len(p)-4] + "-USDT"
	}
	return strings.ReplaceAll(p, "-", "")
}

// dashedSymbol maps "BTC/USD" or "btc-usd" to "BTC-USD".
func dashedSymbol(symbol string) string {
	p := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexByte(p, ':'); i >= 0 {
		p = p[:i]
	}
	return strings.ReplaceAll(p, "/", "-")
}

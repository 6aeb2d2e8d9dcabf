// FILE: gateway_paper.go
// Package main – In-memory paper gateway (no external calls).
//
// The paper venue keeps one mid price per symbol and moves it by a small random
// walk on every book or status read. Resting limit orders fill when the market
// trades through them: a BUY fills once the best ask is at or below its price,
// a SELL once the best bid is at or above it. Useful for dry runs and for
// exercising the chaser end to end.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const paperLevels = 5

type paperOrder struct {
	h      OrderHandle
	status OrderStatus
}

// PaperGateway simulates a venue with a random-walk book.
type PaperGateway struct {
	mu        sync.Mutex
	defMid    float64
	mids      map[string]float64
	tick      float64
	step      float64
	spreadBps float64
	volBps    float64
	rng       *rand.Rand
	orders    map[string]*paperOrder
}

func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	if cfg.Mid <= 0 {
		cfg.Mid = 100
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 0.01
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p := &PaperGateway{
		defMid:    cfg.Mid,
		mids:      map[string]float64{},
		tick:      cfg.Tick,
		step:      cfg.Step,
		spreadBps: cfg.SpreadBps,
		volBps:    cfg.Volatility,
		rng:       rand.New(rand.NewSource(seed)),
		orders:    map[string]*paperOrder{},
	}
	if cfg.Symbol != "" {
		p.mids[paperKey(cfg.Symbol)] = cfg.Mid
	}
	return p
}

func (p *PaperGateway) Name() string { return "paper" }

func paperKey(symbol string) string { return dashedSymbol(symbol) }

// SetMid moves the market for symbol and matches resting orders against it.
func (p *PaperGateway) SetMid(symbol string, mid float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := paperKey(symbol)
	p.mids[key] = mid
	p.matchLocked(key)
}

// Order returns the stored handle and status for id.
func (p *PaperGateway) Order(id string) (OrderHandle, OrderStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return OrderHandle{}, StatusUnknown, false
	}
	return o.h, o.status, true
}

// OpenOrders lists resting orders for symbol.
func (p *PaperGateway) OpenOrders(symbol string) []OrderHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := paperKey(symbol)
	var out []OrderHandle
	for _, o := range p.orders {
		if o.status == StatusOpen && paperKey(o.h.Symbol) == key {
			out = append(out, o.h)
		}
	}
	return out
}

func (p *PaperGateway) midLocked(key string) float64 {
	m, ok := p.mids[key]
	if !ok {
		m = p.defMid
		p.mids[key] = m
	}
	return m
}

// walkLocked advances the random walk one step.
func (p *PaperGateway) walkLocked(key string) {
	m := p.midLocked(key)
	if p.volBps > 0 {
		m *= 1 + p.rng.NormFloat64()*p.volBps/1e4
		if m < p.tick {
			m = p.tick
		}
		p.mids[key] = m
	}
	p.matchLocked(key)
}

// topLocked returns the best bid and ask around the current mid.
func (p *PaperGateway) topLocked(key string) (bid, ask decimal.Decimal) {
	mid := p.midLocked(key)
	half := mid * p.spreadBps / 2e4
	t := decimal.NewFromFloat(p.tick)
	bid = decimal.NewFromFloat(mid - half).Div(t).Floor().Mul(t)
	ask = decimal.NewFromFloat(mid + half).Div(t).Ceil().Mul(t)
	if !ask.GreaterThan(bid) {
		ask = bid.Add(t)
	}
	if !bid.IsPositive() {
		bid = t
		ask = bid.Add(t)
	}
	return bid, ask
}

func (p *PaperGateway) matchLocked(key string) {
	bid, ask := p.topLocked(key)
	for _, o := range p.orders {
		if o.status != StatusOpen || paperKey(o.h.Symbol) != key {
			continue
		}
		px := decimal.NewFromFloat(o.h.Price)
		if (o.h.Side == SideBuy && ask.LessThanOrEqual(px)) || (o.h.Side == SideSell && bid.GreaterThanOrEqual(px)) {
			o.status = StatusFilled
		}
	}
}

func (p *PaperGateway) FetchOrderBook(ctx context.Context, symbol string) (OrderBookSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return OrderBookSnapshot{}, newChaseError(KindMarketData, opFetchBook, err)
	}
	if strings.TrimSpace(symbol) == "" {
		return OrderBookSnapshot{}, newChaseError(KindMarketData, opFetchBook, errors.New("paper: empty symbol"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := paperKey(symbol)
	p.walkLocked(key)
	bid, ask := p.topLocked(key)
	t := decimal.NewFromFloat(p.tick)
	book := OrderBookSnapshot{Symbol: symbol, Time: time.Now().UTC()}
	for i := 0; i < paperLevels; i++ {
		off := t.Mul(decimal.NewFromInt(int64(i)))
		size := float64(i + 1)
		if b := bid.Sub(off); b.IsPositive() {
			book.Bids = append(book.Bids, BookLevel{Price: b.InexactFloat64(), Size: size})
		}
		book.Asks = append(book.Asks, BookLevel{Price: ask.Add(off).InexactFloat64(), Size: size})
	}
	return book, nil
}

func (p *PaperGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error) {
	if err := ctx.Err(); err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, err)
	}
	_, _, qty, px, err := snapOrder(req.Quantity, req.Price, p.step, p.tick)
	if err != nil {
		return OrderHandle{}, newChaseError(KindOrderPlacement, opPlaceOrder, fmt.Errorf("paper: %w", err))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	h := handleFor(req, uuid.NewString(), px, qty)
	p.orders[h.ID] = &paperOrder{h: h, status: StatusOpen}
	p.matchLocked(paperKey(req.Symbol))
	return h, nil
}

func (p *PaperGateway) CancelOrder(ctx context.Context, h OrderHandle) error {
	if err := ctx.Err(); err != nil {
		return newChaseError(KindOrderCancel, opCancelOrder, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[h.ID]
	if !ok {
		return newChaseError(KindOrderCancel, opCancelOrder, fmt.Errorf("paper: unknown order %s", h.ID))
	}
	if o.status != StatusOpen {
		return newChaseError(KindOrderCancel, opCancelOrder, fmt.Errorf("paper: order %s is %s", h.ID, o.status))
	}
	o.status = StatusCanceled
	return nil
}

func (p *PaperGateway) FetchOrderStatus(ctx context.Context, h OrderHandle) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return StatusUnknown, newChaseError(KindOrderQuery, opOrderStatus, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[h.ID]
	if !ok {
		return StatusUnknown, nil
	}
	p.walkLocked(paperKey(o.h.Symbol))
	return o.status, nil
}

// FILE: takeprofit.go
// Package main – Take-profit pricing and submission.
//
// TargetPrice is pure. TakeProfitPlanner.Submit places the opposite-side limit
// order and reports the price through the session's event callback; the
// take-profit order is not tracked afterwards.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TakeProfitKind selects how the target is expressed.
type TakeProfitKind string

const (
	TakeProfitNone     TakeProfitKind = "none"
	TakeProfitPercent  TakeProfitKind = "percent"
	TakeProfitAbsolute TakeProfitKind = "absolute"
)

// TakeProfitSpec is None, Percent(Value) or Absolute(Value).
type TakeProfitSpec struct {
	Kind  TakeProfitKind `json:"type"`
	Value float64        `json:"value,omitempty"`
}

func NoTakeProfit() TakeProfitSpec { return TakeProfitSpec{Kind: TakeProfitNone} }

func PercentTakeProfit(p float64) TakeProfitSpec {
	return TakeProfitSpec{Kind: TakeProfitPercent, Value: p}
}

func AbsoluteTakeProfit(d float64) TakeProfitSpec {
	return TakeProfitSpec{Kind: TakeProfitAbsolute, Value: d}
}

// ParseTakeProfit accepts the labels used by the control surface:
// none/"", percent/percentage/pct, absolute/dollar/usd.
func ParseTakeProfit(kind string, value float64) (TakeProfitSpec, error) {
	var spec TakeProfitSpec
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "none":
		return NoTakeProfit(), nil
	case "percent", "percentage", "pct":
		spec = PercentTakeProfit(value)
	case "absolute", "dollar", "dollar value", "usd":
		spec = AbsoluteTakeProfit(value)
	default:
		return TakeProfitSpec{}, fmt.Errorf("unknown take-profit type %q", kind)
	}
	return spec, spec.Validate()
}

// Enabled reports whether a take-profit order should be planned.
func (s TakeProfitSpec) Enabled() bool {
	return s.Kind == TakeProfitPercent || s.Kind == TakeProfitAbsolute
}

func (s TakeProfitSpec) Validate() error {
	switch s.Kind {
	case TakeProfitNone, "":
		return nil
	case TakeProfitPercent, TakeProfitAbsolute:
		if !(s.Value > 0) || math.IsInf(s.Value, 0) {
			return fmt.Errorf("take-profit %s must be > 0, got %v", s.Kind, s.Value)
		}
		return nil
	}
	return fmt.Errorf("unknown take-profit type %q", s.Kind)
}

func (s TakeProfitSpec) String() string {
	switch s.Kind {
	case TakeProfitPercent:
		return fmt.Sprintf("%g%%", s.Value)
	case TakeProfitAbsolute:
		return fmt.Sprintf("+%g", s.Value)
	}
	return "none"
}

// TargetPrice computes the take-profit limit for an entry at entryPrice.
// Callers skip the step entirely when the spec is None.
func TargetPrice(entryPrice float64, spec TakeProfitSpec, side Side) (float64, error) {
	if !spec.Enabled() {
		return 0, newChaseError(KindInvalidParameters, opTakeProfit, errors.New("take-profit is not enabled"))
	}
	if err := spec.Validate(); err != nil {
		return 0, newChaseError(KindInvalidParameters, opTakeProfit, err)
	}
	if !side.Valid() {
		return 0, newChaseError(KindInvalidParameters, opTakeProfit, fmt.Errorf("unknown side %q", side))
	}
	entry := decimal.NewFromFloat(entryPrice)
	v := decimal.NewFromFloat(spec.Value)
	hundred := decimal.NewFromInt(100)

	var target decimal.Decimal
	switch spec.Kind {
	case TakeProfitPercent:
		if side == SideLong {
			target = entry.Mul(hundred.Add(v)).Div(hundred)
		} else {
			target = entry.Mul(hundred.Sub(v)).Div(hundred)
		}
	case TakeProfitAbsolute:
		if side == SideLong {
			target = entry.Add(v)
		} else {
			target = entry.Sub(v)
		}
	}
	if !target.IsPositive() {
		return 0, newChaseError(KindInvalidParameters, opTakeProfit,
			fmt.Errorf("take-profit %s from %v leaves a non-positive price", spec, entryPrice))
	}
	return target.InexactFloat64(), nil
}

// TakeProfitPlanner submits the exit order once the entry has filled.
type TakeProfitPlanner struct {
	gw   Gateway
	log  *zap.Logger
	emit func(Event)
}

func NewTakeProfitPlanner(gw Gateway, log *zap.Logger, emit func(Event)) *TakeProfitPlanner {
	if log == nil {
		log = zap.NewNop()
	}
	if emit == nil {
		emit = func(Event) {}
	}
	return &TakeProfitPlanner{gw: gw, log: log, emit: emit}
}

// Submit places the opposite-side limit order at targetPrice for an entry
// taken on side.
func (p *TakeProfitPlanner) Submit(ctx context.Context, symbol string, quantity, targetPrice float64, side Side) (OrderHandle, error) {
	req := newOrderRequest(symbol, side.ExitOrderSide(), quantity, targetPrice, RoleTakeProfit)
	h, err := p.gw.PlaceLimitOrder(ctx, req)
	if err != nil {
		return OrderHandle{}, wrapKind(KindOrderPlacement, opTakeProfit, err)
	}
	mtxOrdersPlaced.WithLabelValues(string(RoleTakeProfit), string(req.Side)).Inc()
	p.log.Info("take-profit placed",
		zap.String("order_id", h.ID),
		zap.String("side", string(req.Side)),
		zap.Float64("price", h.Price),
		zap.Float64("quantity", h.Quantity))
	p.emit(Event{
		Kind:     EventTakeProfitPlaced,
		Symbol:   symbol,
		Side:     side,
		Price:    h.Price,
		Quantity: h.Quantity,
		OrderID:  h.ID,
	})
	return h, nil
}

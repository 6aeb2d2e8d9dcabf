// FILE: errors.go
// Package main – Error taxonomy for the chase loop.
//
// Every failure the chaser can report carries an ErrorKind and the operation
// that produced it. Gateways wrap their transport/API errors with the kind the
// Gateway contract names for that call; pure helpers (BestPrice, Quantity,
// TargetPrice) return their own kinds directly.
//
// Only KindOrderCancel is recoverable: the loop logs it, re-checks the order and
// keeps going. Every other kind ends the session in the Failed state.
package main

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a chase failure.
type ErrorKind string

const (
	KindMarketData        ErrorKind = "market_data"
	KindOrderPlacement    ErrorKind = "order_placement"
	KindOrderCancel       ErrorKind = "order_cancel"
	KindOrderQuery        ErrorKind = "order_query"
	KindNoLiquidity       ErrorKind = "no_liquidity"
	KindInvalidAmount     ErrorKind = "invalid_amount"
	KindInvalidParameters ErrorKind = "invalid_parameters"
)

// Operation names used in errors, events and metrics labels.
const (
	opFetchBook   = "fetch_order_book"
	opPlaceOrder  = "place_order"
	opCancelOrder = "cancel_order"
	opOrderStatus = "fetch_order_status"
	opBestPrice   = "best_price"
	opQuantity    = "quantity"
	opStart       = "start"
	opTakeProfit  = "take_profit"
)

var (
	// ErrChaseActive is returned by Start while a session is still chasing.
	ErrChaseActive = errors.New("a chase session is already active")
	// ErrNoSession is returned by Stop when nothing is chasing.
	ErrNoSession = errors.New("no active chase session")
)

// ChaseError is the typed error surfaced to the controller.
type ChaseError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ChaseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ChaseError) Unwrap() error { return e.Err }

func newChaseError(kind ErrorKind, op string, err error) *ChaseError {
	return &ChaseError{Kind: kind, Op: op, Err: err}
}

// wrapKind tags err with kind/op unless it already carries a kind.
func wrapKind(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ChaseError
	if errors.As(err, &ce) {
		return err
	}
	return newChaseError(kind, op, err)
}

// KindOf returns the kind carried by err, or "" when err is untyped.
func KindOf(err error) ErrorKind {
	var ce *ChaseError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// opOf returns the operation carried by err, falling back to def.
func opOf(err error, def string) string {
	var ce *ChaseError
	if errors.As(err, &ce) && ce.Op != "" {
		return ce.Op
	}
	return def
}

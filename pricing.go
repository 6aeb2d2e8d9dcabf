// FILE: pricing.go
// Package main – Best-price selection and notional sizing.
//
// BestPrice picks the passive side of the book: a Long entry rests at the best
// bid, a Short entry at the best ask. Quantity converts a dollar notional into
// base units once per session; the chaser never re-sizes while chasing.
package main

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// quantityPlaces bounds the precision of sized quantities before a gateway
// snaps them to the venue's lot step.
const quantityPlaces = 12

// BestPrice returns bids[0] for Long and asks[0] for Short.
func BestPrice(book OrderBookSnapshot, side Side) (float64, error) {
	var levels []BookLevel
	switch side {
	case SideLong:
		levels = book.Bids
	case SideShort:
		levels = book.Asks
	default:
		return 0, newChaseError(KindInvalidParameters, opBestPrice, fmt.Errorf("unknown side %q", side))
	}
	if len(levels) == 0 {
		return 0, newChaseError(KindNoLiquidity, opBestPrice,
			fmt.Errorf("%s: empty %s book", book.Symbol, bookSideName(side)))
	}
	px := levels[0].Price
	if !(px > 0) || math.IsInf(px, 0) {
		return 0, newChaseError(KindNoLiquidity, opBestPrice,
			fmt.Errorf("%s: unusable top-of-book price %v", book.Symbol, px))
	}
	return px, nil
}

func bookSideName(side Side) string {
	if side == SideShort {
		return "ask"
	}
	return "bid"
}

// Quantity converts dollarValue into base units at bestPrice.
func Quantity(dollarValue, bestPrice float64) (float64, error) {
	if !(dollarValue > 0) || math.IsInf(dollarValue, 0) {
		return 0, newChaseError(KindInvalidAmount, opQuantity,
			fmt.Errorf("dollar value must be > 0, got %v", dollarValue))
	}
	if !(bestPrice > 0) || math.IsInf(bestPrice, 0) {
		return 0, newChaseError(KindNoLiquidity, opQuantity, errors.New("best price unavailable"))
	}
	q := decimal.NewFromFloat(dollarValue).DivRound(decimal.NewFromFloat(bestPrice), quantityPlaces)
	return q.InexactFloat64(), nil
}

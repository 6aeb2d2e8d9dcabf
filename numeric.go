// FILE: numeric.go
// Package main – Tick/step snapping and tolerant number parsing for gateways.
package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// floorToStep snaps x down to a multiple of step. step <= 0 leaves x as is.
func floorToStep(x, step float64) decimal.Decimal {
	d := decimal.NewFromFloat(x)
	if step <= 0 {
		return d
	}
	s := decimal.NewFromFloat(step)
	return d.Div(s).Floor().Mul(s)
}

// roundToStep snaps x to the nearest multiple of step.
func roundToStep(x, step float64) decimal.Decimal {
	d := decimal.NewFromFloat(x)
	if step <= 0 {
		return d
	}
	s := decimal.NewFromFloat(step)
	return d.Div(s).Round(0).Mul(s)
}

// snapOrder applies venue filters to an order's quantity (floor to lot step)
// and price (nearest tick) and returns the wire strings.
func snapOrder(qty, price, qtyStep, tick float64) (qtyStr, priceStr string, q, p float64, err error) {
	qd := floorToStep(qty, qtyStep)
	pd := roundToStep(price, tick)
	if !qd.IsPositive() {
		return "", "", 0, 0, fmt.Errorf("quantity %v is below lot step %v", qty, qtyStep)
	}
	if !pd.IsPositive() {
		return "", "", 0, 0, fmt.Errorf("price %v rounds to zero at tick %v", price, tick)
	}
	return qd.String(), pd.String(), qd.InexactFloat64(), pd.InexactFloat64(), nil
}

func parseDec(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	return strconv.ParseFloat(s, 64)
}

// parseLevels decodes [["price","size"], ...] rows used by most venues.
func parseLevels(rows [][]string) ([]BookLevel, error) {
	out := make([]BookLevel, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			return nil, fmt.Errorf("malformed book level %v", r)
		}
		px, err := parseDec(r[0])
		if err != nil {
			return nil, fmt.Errorf("level price %q: %w", r[0], err)
		}
		sz, err := parseDec(r[1])
		if err != nil {
			return nil, fmt.Errorf("level size %q: %w", r[1], err)
		}
		out = append(out, BookLevel{Price: px, Size: sz})
	}
	return out, nil
}

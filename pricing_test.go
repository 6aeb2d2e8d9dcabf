package main

import (
	"math"
	"testing"
)

func TestBestPrice(t *testing.T) {
	book := OrderBookSnapshot{
		Symbol: "BTC/USDT",
		Bids:   []BookLevel{{Price: 100, Size: 1}, {Price: 99, Size: 3}},
		Asks:   []BookLevel{{Price: 100.5, Size: 2}, {Price: 101, Size: 1}},
	}
	tests := []struct {
		side Side
		want float64
	}{
		{SideLong, 100},
		{SideShort, 100.5},
	}
	for _, tt := range tests {
		got, err := BestPrice(book, tt.side)
		if err != nil {
			t.Fatalf("%s: %v", tt.side, err)
		}
		if got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.side, got, tt.want)
		}
	}
}

func TestBestPriceNoLiquidity(t *testing.T) {
	tests := []struct {
		name string
		book OrderBookSnapshot
		side Side
	}{
		{"long without bids", OrderBookSnapshot{Asks: []BookLevel{{Price: 1, Size: 1}}}, SideLong},
		{"short without asks", OrderBookSnapshot{Bids: []BookLevel{{Price: 1, Size: 1}}}, SideShort},
		{"zero top price", OrderBookSnapshot{Bids: []BookLevel{{Price: 0, Size: 1}}}, SideLong},
		{"empty book", OrderBookSnapshot{}, SideShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BestPrice(tt.book, tt.side)
			if KindOf(err) != KindNoLiquidity {
				t.Fatalf("err = %v, want no_liquidity", err)
			}
			if opOf(err, "") != opBestPrice {
				t.Errorf("op = %q", opOf(err, ""))
			}
		})
	}
}

func TestBestPriceRejectsUnknownSide(t *testing.T) {
	_, err := BestPrice(bookAt(1, 2), Side("sideways"))
	if KindOf(err) != KindInvalidParameters {
		t.Fatalf("err = %v", err)
	}
}

func TestQuantity(t *testing.T) {
	tests := []struct {
		dollars, price, want float64
	}{
		{500, 100, 5},
		{500, 101, 4.950495049505},
		{1, 3, 0.333333333333},
		{250, 0.5, 500},
	}
	for _, tt := range tests {
		got, err := Quantity(tt.dollars, tt.price)
		if err != nil {
			t.Fatalf("Quantity(%v, %v): %v", tt.dollars, tt.price, err)
		}
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Quantity(%v, %v) = %v, want %v", tt.dollars, tt.price, got, tt.want)
		}
	}
}

func TestQuantityErrors(t *testing.T) {
	if _, err := Quantity(0, 100); KindOf(err) != KindInvalidAmount {
		t.Errorf("zero dollars: %v", err)
	}
	if _, err := Quantity(-10, 100); KindOf(err) != KindInvalidAmount {
		t.Errorf("negative dollars: %v", err)
	}
	if _, err := Quantity(math.Inf(1), 100); KindOf(err) != KindInvalidAmount {
		t.Errorf("infinite dollars: %v", err)
	}
	if _, err := Quantity(100, 0); KindOf(err) != KindNoLiquidity {
		t.Errorf("zero price: %v", err)
	}
}

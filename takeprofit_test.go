package main

import (
	"context"
	"errors"
	"testing"
)

func TestTargetPrice(t *testing.T) {
	tests := []struct {
		name  string
		entry float64
		spec  TakeProfitSpec
		side  Side
		want  float64
	}{
		{"long percent", 101, PercentTakeProfit(1), SideLong, 102.01},
		{"long five percent", 100, PercentTakeProfit(5), SideLong, 105},
		{"short five percent", 100, PercentTakeProfit(5), SideShort, 95},
		{"long two dollars", 100, AbsoluteTakeProfit(2), SideLong, 102},
		{"short percent", 200, PercentTakeProfit(2.5), SideShort, 195},
		{"long absolute", 100, AbsoluteTakeProfit(3), SideLong, 103},
		{"short absolute", 100, AbsoluteTakeProfit(3), SideShort, 97},
		{"fractional", 0.1, AbsoluteTakeProfit(0.2), SideLong, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TargetPrice(tt.entry, tt.spec, tt.side)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTargetPriceRejects(t *testing.T) {
	tests := []struct {
		name string
		spec TakeProfitSpec
		side Side
	}{
		{"none", NoTakeProfit(), SideLong},
		{"negative percent", PercentTakeProfit(-1), SideLong},
		{"short through zero", AbsoluteTakeProfit(150), SideShort},
		{"short percent to zero", PercentTakeProfit(100), SideShort},
		{"bad side", PercentTakeProfit(1), Side("flat")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := TargetPrice(100, tt.spec, tt.side); KindOf(err) != KindInvalidParameters {
				t.Fatalf("err = %v, want invalid_parameters", err)
			}
		})
	}
}

func TestParseTakeProfit(t *testing.T) {
	tests := []struct {
		kind    string
		value   float64
		want    TakeProfitSpec
		wantErr bool
	}{
		{"", 5, NoTakeProfit(), false},
		{"None", 0, NoTakeProfit(), false},
		{"percentage", 1.5, PercentTakeProfit(1.5), false},
		{"pct", 2, PercentTakeProfit(2), false},
		{"Dollar Value", 10, AbsoluteTakeProfit(10), false},
		{"usd", 0, TakeProfitSpec{}, true},
		{"trailing", 1, TakeProfitSpec{}, true},
	}
	for _, tt := range tests {
		got, err := ParseTakeProfit(tt.kind, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTakeProfit(%q, %v) err = %v", tt.kind, tt.value, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseTakeProfit(%q, %v) = %+v, want %+v", tt.kind, tt.value, got, tt.want)
		}
	}
}

func TestTakeProfitPlannerSubmit(t *testing.T) {
	gw := &mockGateway{}
	var got []Event
	p := NewTakeProfitPlanner(gw, nil, func(e Event) { got = append(got, e) })

	h, err := p.Submit(context.Background(), "ETH/USDT", 0.5, 2100, SideLong)
	if err != nil {
		t.Fatal(err)
	}
	placed := gw.placedOrders()
	if len(placed) != 1 {
		t.Fatalf("placed = %+v", placed)
	}
	if placed[0].Side != SideSell || placed[0].Role != RoleTakeProfit || placed[0].Quantity != 0.5 || placed[0].Price != 2100 {
		t.Errorf("order = %+v", placed[0])
	}
	if len(got) != 1 || got[0].Kind != EventTakeProfitPlaced || got[0].OrderID != h.ID || got[0].Price != 2100 {
		t.Errorf("events = %+v", got)
	}
}

func TestTakeProfitPlannerSubmitError(t *testing.T) {
	gw := &mockGateway{placeHook: func(OrderRequest) error { return errors.New("rejected") }}
	var emitted int
	p := NewTakeProfitPlanner(gw, nil, func(Event) { emitted++ })
	_, err := p.Submit(context.Background(), "ETH/USDT", 1, 1900, SideShort)
	if KindOf(err) != KindOrderPlacement || opOf(err, "") != opTakeProfit {
		t.Fatalf("err = %v", err)
	}
	if emitted != 0 {
		t.Errorf("planner emitted %d events on failure", emitted)
	}
}

// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Exposes the metrics the chaser updates during operation:
//   • chase_sessions_total{outcome}              – Sessions ended (filled|stopped|failed)
//   • chase_cycles_total                         – Entry orders placed across all sessions
//   • chase_orders_placed_total{role,side}       – Orders placed (entry|take_profit, BUY|SELL)
//   • chase_orders_cancelled_total{result}       – Cancel attempts (ok|error)
//   • chase_fills_total{side}                    – Entry fills
//   • chase_active                               – 1 while a session is chasing
//   • chase_gateway_requests_total{exchange,op,result}
//   • chase_gateway_latency_seconds{exchange,op}
//
// These are registered in init() and served by the HTTP handler started in main.go
// at /metrics (Prometheus text exposition format).

package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mtxSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chase_sessions_total",
			Help: "Chase sessions ended, by outcome",
		},
		[]string{"outcome"},
	)

	mtxCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chase_cycles_total",
			Help: "Entry orders placed by the chase loop",
		},
	)

	mtxOrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chase_orders_placed_total",
			Help: "Limit orders placed",
		},
		[]string{"role", "side"}, // role: entry|take_profit, side: BUY|SELL
	)

	mtxCancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chase_orders_cancelled_total",
			Help: "Cancel attempts by result",
		},
		[]string{"result"},
	)

	mtxFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chase_fills_total",
			Help: "Entry orders confirmed filled",
		},
		[]string{"side"},
	)

	mtxActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chase_active",
			Help: "1 while a chase session is running",
		},
	)

	mtxGatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chase_gateway_requests_total",
			Help: "Gateway calls by exchange, operation and result",
		},
		[]string{"exchange", "op", "result"},
	)

	mtxGatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chase_gateway_latency_seconds",
			Help:    "Gateway call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"exchange", "op"},
	)
)

func init() {
	prometheus.MustRegister(mtxSessions, mtxCycles, mtxOrdersPlaced, mtxCancels, mtxFills, mtxActive)
	prometheus.MustRegister(mtxGatewayRequests, mtxGatewayLatency)
}

// instrumented wraps a Gateway with request counters and latency histograms.
type instrumented struct {
	Gateway
}

func instrument(g Gateway) Gateway {
	if _, ok := g.(*instrumented); ok {
		return g
	}
	return &instrumented{Gateway: g}
}

func (g *instrumented) observe(op string, start time.Time, err error) {
	name := g.Gateway.Name()
	result := "ok"
	if err != nil {
		result = "error"
	}
	mtxGatewayRequests.WithLabelValues(name, op, result).Inc()
	mtxGatewayLatency.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
}

func (g *instrumented) FetchOrderBook(ctx context.Context, symbol string) (OrderBookSnapshot, error) {
	start := time.Now()
	b, err := g.Gateway.FetchOrderBook(ctx, symbol)
	g.observe(opFetchBook, start, err)
	return b, err
}

func (g *instrumented) PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error) {
	start := time.Now()
	h, err := g.Gateway.PlaceLimitOrder(ctx, req)
	g.observe(opPlaceOrder, start, err)
	return h, err
}

func (g *instrumented) CancelOrder(ctx context.Context, h OrderHandle) error {
	start := time.Now()
	err := g.Gateway.CancelOrder(ctx, h)
	g.observe(opCancelOrder, start, err)
	return err
}

func (g *instrumented) FetchOrderStatus(ctx context.Context, h OrderHandle) (OrderStatus, error) {
	start := time.Now()
	st, err := g.Gateway.FetchOrderStatus(ctx, h)
	g.observe(opOrderStatus, start, err)
	return st, err
}

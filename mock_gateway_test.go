package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockGateway is a scripted Gateway. Books and statuses are consumed in order;
// the last entry repeats. Hooks override the scripted behaviour per call.
type mockGateway struct {
	mu       sync.Mutex
	books    []OrderBookSnapshot
	statuses []OrderStatus

	bookHook   func(n int) (OrderBookSnapshot, error)
	placeHook  func(req OrderRequest) error
	cancelHook func(ctx context.Context, h OrderHandle) error
	statusHook func(n int, h OrderHandle) (OrderStatus, error)

	bookCalls   int
	statusCalls int
	placed      []OrderRequest
	handles     []OrderHandle
	cancelled   []OrderHandle

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (m *mockGateway) Name() string { return "mock" }

func (m *mockGateway) enter() func() {
	n := m.inflight.Add(1)
	for {
		cur := m.maxInflight.Load()
		if n <= cur || m.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { m.inflight.Add(-1) }
}

func (m *mockGateway) FetchOrderBook(ctx context.Context, symbol string) (OrderBookSnapshot, error) {
	defer m.enter()()
	m.mu.Lock()
	n := m.bookCalls
	m.bookCalls++
	hook := m.bookHook
	var b OrderBookSnapshot
	if len(m.books) > 0 {
		i := n
		if i >= len(m.books) {
			i = len(m.books) - 1
		}
		b = m.books[i]
	}
	m.mu.Unlock()
	if hook != nil {
		return hook(n)
	}
	b.Symbol = symbol
	return b, nil
}

func (m *mockGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error) {
	defer m.enter()()
	if m.placeHook != nil {
		if err := m.placeHook(req); err != nil {
			return OrderHandle{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed = append(m.placed, req)
	h := handleFor(req, fmt.Sprintf("ord-%d", len(m.placed)), req.Price, req.Quantity)
	m.handles = append(m.handles, h)
	return h, nil
}

func (m *mockGateway) CancelOrder(ctx context.Context, h OrderHandle) error {
	defer m.enter()()
	if m.cancelHook != nil {
		if err := m.cancelHook(ctx, h); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.cancelled = append(m.cancelled, h)
	m.mu.Unlock()
	return nil
}

func (m *mockGateway) FetchOrderStatus(ctx context.Context, h OrderHandle) (OrderStatus, error) {
	defer m.enter()()
	m.mu.Lock()
	n := m.statusCalls
	m.statusCalls++
	hook := m.statusHook
	st := StatusOpen
	if len(m.statuses) > 0 {
		i := n
		if i >= len(m.statuses) {
			i = len(m.statuses) - 1
		}
		st = m.statuses[i]
	}
	m.mu.Unlock()
	if hook != nil {
		return hook(n, h)
	}
	return st, nil
}

func (m *mockGateway) placedOrders() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderRequest(nil), m.placed...)
}

func (m *mockGateway) cancelledOrders() []OrderHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderHandle(nil), m.cancelled...)
}

func bookAt(bid, ask float64) OrderBookSnapshot {
	return OrderBookSnapshot{
		Time: time.Now(),
		Bids: []BookLevel{{Price: bid, Size: 1}, {Price: bid - 1, Size: 2}},
		Asks: []BookLevel{{Price: ask, Size: 1}, {Price: ask + 1, Size: 2}},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
	}
}

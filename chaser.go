// FILE: chaser.go
// Package main – The order-chasing state machine.
//
// A Chaser runs at most one session at a time:
//
//	Idle → Chasing → (Filled | Stopped | Failed) → Idle
//
// Each cycle cancels the resting entry order (if any), reads the book, places a
// new limit order at the passive best price, sleeps for the session interval
// and polls the order. Replacement is cancel-then-place, so a cancel can lose a
// race with a fill; a failed cancel is therefore always followed by a status
// re-check, and a fill discovered that way is handled as a normal fill.
//
// Concurrency: the session worker is the only goroutine that touches the
// current OrderHandle or calls the gateway for the session. Controllers talk to
// it through Stop(), which flips the session's atomic running flag and wakes
// the sleep. A stop always cancels the last live entry order.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChaseState is the chaser's lifecycle state.
type ChaseState string

const (
	StateIdle    ChaseState = "idle"
	StateChasing ChaseState = "chasing"
	StateFilled  ChaseState = "filled"
	StateStopped ChaseState = "stopped"
	StateFailed  ChaseState = "failed"
)

const defaultCleanupTimeout = 10 * time.Second

var errHalted = errors.New("chase halted")

// ChaseRequest is the Start command.
type ChaseRequest struct {
	Symbol      string
	Side        Side
	DollarValue float64
	Sleep       time.Duration
	TakeProfit  TakeProfitSpec
}

func (r ChaseRequest) validate() error {
	if err := validateParams(r.Symbol, r.Side, r.Sleep, r.TakeProfit); err != nil {
		return err
	}
	if !(r.DollarValue > 0) || math.IsInf(r.DollarValue, 0) {
		return newChaseError(KindInvalidAmount, opStart, fmt.Errorf("dollar value must be > 0, got %v", r.DollarValue))
	}
	return nil
}

func validateParams(symbol string, side Side, sleep time.Duration, tp TakeProfitSpec) error {
	var problem error
	switch {
	case strings.TrimSpace(symbol) == "":
		problem = errors.New("symbol is required")
	case !side.Valid():
		problem = fmt.Errorf("unknown side %q", side)
	case sleep <= 0:
		problem = fmt.Errorf("sleep interval must be > 0, got %s", sleep)
	default:
		problem = tp.Validate()
	}
	if problem != nil {
		return newChaseError(KindInvalidParameters, opStart, problem)
	}
	return nil
}

// chaseParams is a sized request: quantity is fixed for the whole session.
type chaseParams struct {
	symbol   string
	side     Side
	quantity float64
	sleep    time.Duration
	tp       TakeProfitSpec
}

// ChaseSnapshot is the controller's view of the chaser.
type ChaseSnapshot struct {
	State       ChaseState     `json:"state"`
	Session     string         `json:"session,omitempty"`
	Symbol      string         `json:"symbol,omitempty"`
	Side        Side           `json:"side,omitempty"`
	Quantity    float64        `json:"quantity,omitempty"`
	SleepSec    float64        `json:"sleep_seconds,omitempty"`
	TakeProfit  TakeProfitSpec `json:"take_profit"`
	OrderID     string         `json:"order_id,omitempty"`
	OrderPrice  float64        `json:"order_price,omitempty"`
	Cycles      int            `json:"cycles"`
	StartedAt   time.Time      `json:"started_at"`
	LastOutcome ChaseState     `json:"last_outcome,omitempty"`
	FillPrice   float64        `json:"fill_price,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

// ChaserOptions tunes a Chaser. Zero values pick defaults.
type ChaserOptions struct {
	Logger         *zap.Logger
	OnEvent        func(Event)
	CleanupTimeout time.Duration
}

// Chaser owns the active session and its current order.
type Chaser struct {
	ctx     context.Context
	gw      Gateway
	log     *zap.Logger
	emit    func(Event)
	cleanup time.Duration

	mu      sync.Mutex
	session *chaseSession
	view    ChaseSnapshot
}

// NewChaser binds a chaser to gw. Sessions run until stopped, filled, failed,
// or until ctx is cancelled.
func NewChaser(ctx context.Context, gw Gateway, opts ChaserOptions) *Chaser {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(Event) {}
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaultCleanupTimeout
	}
	return &Chaser{
		ctx:     ctx,
		gw:      gw,
		log:     opts.Logger,
		emit:    opts.OnEvent,
		cleanup: opts.CleanupTimeout,
		view:    ChaseSnapshot{State: StateIdle},
	}
}

// chaseSession is the live state of one run. Fields below the blank line are
// owned by the session worker.
type chaseSession struct {
	id       string
	p        chaseParams
	log      *zap.Logger
	emit     func(Event)
	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	current *OrderHandle
	cycles  int
}

func (s *chaseSession) requestStop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
	})
}

func (s *chaseSession) active(ctx context.Context) bool {
	return s.running.Load() && ctx.Err() == nil
}

// sleep waits one interval. It returns false as soon as a stop or shutdown
// arrives, and re-checks the running flag after waking.
func (s *chaseSession) sleep(ctx context.Context) bool {
	t := time.NewTimer(s.p.sleep)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
	return s.running.Load()
}

// Start sizes the request against the current book and launches a session.
// It returns ErrChaseActive while another session is chasing.
func (c *Chaser) Start(ctx context.Context, req ChaseRequest) (ChaseSnapshot, error) {
	if c.busy() {
		return c.Status(), ErrChaseActive
	}
	if err := req.validate(); err != nil {
		c.reportStartError(req.Symbol, req.Side, err)
		return c.Status(), err
	}
	book, err := c.gw.FetchOrderBook(ctx, req.Symbol)
	if err != nil {
		err = wrapKind(KindMarketData, opFetchBook, err)
		c.reportStartError(req.Symbol, req.Side, err)
		return c.Status(), err
	}
	price, err := BestPrice(book, req.Side)
	if err != nil {
		c.reportStartError(req.Symbol, req.Side, err)
		return c.Status(), err
	}
	qty, err := Quantity(req.DollarValue, price)
	if err != nil {
		c.reportStartError(req.Symbol, req.Side, err)
		return c.Status(), err
	}
	c.log.Info("sized chase",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("dollar_value", req.DollarValue),
		zap.Float64("best_price", price),
		zap.Float64("quantity", qty))
	return c.begin(chaseParams{
		symbol:   req.Symbol,
		side:     req.Side,
		quantity: qty,
		sleep:    req.Sleep,
		tp:       req.TakeProfit,
	})
}

// begin moves Idle → Chasing for an already-sized request.
func (c *Chaser) begin(p chaseParams) (ChaseSnapshot, error) {
	err := validateParams(p.symbol, p.side, p.sleep, p.tp)
	if err == nil && (!(p.quantity > 0) || math.IsInf(p.quantity, 0)) {
		err = newChaseError(KindInvalidParameters, opStart, fmt.Errorf("quantity must be > 0, got %v", p.quantity))
	}
	if err != nil {
		c.reportStartError(p.symbol, p.side, err)
		return c.Status(), err
	}

	c.mu.Lock()
	if c.session != nil {
		snap := c.view
		c.mu.Unlock()
		return snap, ErrChaseActive
	}
	s := &chaseSession{
		id:     uuid.NewString(),
		p:      p,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.running.Store(true)
	s.log = c.log.With(
		zap.String("session", s.id),
		zap.String("symbol", p.symbol),
		zap.String("side", string(p.side)))
	s.emit = c.sessionEmitter(s)
	c.session = s
	c.view = ChaseSnapshot{
		State:       StateChasing,
		Session:     s.id,
		Symbol:      p.symbol,
		Side:        p.side,
		Quantity:    p.quantity,
		SleepSec:    p.sleep.Seconds(),
		TakeProfit:  p.tp,
		StartedAt:   time.Now().UTC(),
		LastOutcome: c.view.LastOutcome,
	}
	snap := c.view
	c.mu.Unlock()

	mtxActive.Set(1)
	go c.run(s)
	return snap, nil
}

// Stop asks the active session to halt. The worker cancels the live order and
// emits the stopped event; a second Stop is a no-op.
func (c *Chaser) Stop() error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	s.requestStop()
	return nil
}

// Status returns a copy of the current view.
func (c *Chaser) Status() ChaseSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Done is closed when the active session (if any) has fully returned to Idle.
func (c *Chaser) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.session.done
}

// Wait blocks until the active session ends or ctx expires.
func (c *Chaser) Wait(ctx context.Context) error {
	select {
	case <-c.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Chaser) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

func (c *Chaser) setView(fn func(v *ChaseSnapshot)) {
	c.mu.Lock()
	fn(&c.view)
	c.mu.Unlock()
}

func (c *Chaser) sessionEmitter(s *chaseSession) func(Event) {
	return func(e Event) {
		e.Session = s.id
		if e.Symbol == "" {
			e.Symbol = s.p.symbol
		}
		if e.Side == "" {
			e.Side = s.p.side
		}
		if e.Time.IsZero() {
			e.Time = time.Now().UTC()
		}
		c.emit(e)
	}
}

func (c *Chaser) reportStartError(symbol string, side Side, err error) {
	c.log.Warn("start rejected",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Error(err))
	e := errorEvent(err, opStart)
	e.Symbol, e.Side, e.Time = symbol, side, time.Now().UTC()
	c.emit(e)
}

func (c *Chaser) cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.ctx), c.cleanup)
}

// ---- session worker ----

type chaseOutcome struct {
	state     ChaseState
	fillPrice float64
	err       error
}

func (c *Chaser) run(s *chaseSession) {
	defer close(s.done)
	s.log.Info("chasing started",
		zap.Float64("quantity", s.p.quantity),
		zap.Duration("sleep", s.p.sleep),
		zap.String("take_profit", s.p.tp.String()))
	s.emit(Event{Kind: EventStarted, Quantity: s.p.quantity})
	out := c.chase(c.ctx, s)
	c.finish(s, out)
}

func (c *Chaser) chase(ctx context.Context, s *chaseSession) chaseOutcome {
	for {
		if !s.active(ctx) {
			return c.halt(s)
		}

		retained := false
		if s.current != nil {
			res, err := c.cancelCurrent(ctx, s)
			if err != nil {
				return c.fail(ctx, s, err)
			}
			switch res {
			case cancelFilled:
				return c.fill(ctx, s)
			case cancelStillOpen:
				retained = true
				s.log.Warn("previous order still live after failed cancel; keeping it for another interval",
					zap.String("order_id", s.current.ID))
			}
		}

		if !retained {
			if err := c.placeEntry(ctx, s); err != nil {
				if errors.Is(err, errHalted) {
					return c.halt(s)
				}
				return c.fail(ctx, s, err)
			}
		}

		if !s.sleep(ctx) {
			return c.halt(s)
		}

		h := *s.current
		st, err := c.gw.FetchOrderStatus(ctx, h)
		if err != nil {
			return c.fail(ctx, s, wrapKind(KindOrderQuery, opOrderStatus, err))
		}
		switch st {
		case StatusFilled:
			return c.fill(ctx, s)
		case StatusOpen:
			s.log.Debug("entry still open; re-pricing", zap.String("order_id", h.ID))
		case StatusCanceled:
			s.log.Info("entry cancelled by the venue; re-placing", zap.String("order_id", h.ID))
			s.current = nil
		default:
			return c.fail(ctx, s, newChaseError(KindOrderQuery, opOrderStatus,
				fmt.Errorf("order %s: unrecognized status %q", h.ID, st)))
		}
	}
}

// placeEntry runs the book → price → place half of a cycle.
func (c *Chaser) placeEntry(ctx context.Context, s *chaseSession) error {
	book, err := c.gw.FetchOrderBook(ctx, s.p.symbol)
	if err != nil {
		return wrapKind(KindMarketData, opFetchBook, err)
	}
	price, err := BestPrice(book, s.p.side)
	if err != nil {
		return err
	}
	if !s.active(ctx) {
		return errHalted
	}
	req := newOrderRequest(s.p.symbol, s.p.side.EntryOrderSide(), s.p.quantity, price, RoleEntry)
	h, err := c.gw.PlaceLimitOrder(ctx, req)
	if err != nil {
		return wrapKind(KindOrderPlacement, opPlaceOrder, err)
	}
	s.current = &h
	s.cycles++

	mtxCycles.Inc()
	mtxOrdersPlaced.WithLabelValues(string(RoleEntry), string(req.Side)).Inc()
	c.setView(func(v *ChaseSnapshot) {
		v.OrderID = h.ID
		v.OrderPrice = h.Price
		v.Cycles = s.cycles
	})
	s.log.Info("entry placed",
		zap.String("order_id", h.ID),
		zap.Float64("price", h.Price),
		zap.Float64("quantity", h.Quantity),
		zap.Int("cycle", s.cycles))
	s.emit(Event{Kind: EventOrderPlaced, Price: h.Price, Quantity: h.Quantity, OrderID: h.ID})
	return nil
}

type cancelResult int

const (
	cancelDone cancelResult = iota
	cancelFilled
	cancelStillOpen
)

// cancelCurrent cancels the session's live order. A failed cancel is reported
// and followed by a status query, since the order may have filled or been
// cancelled in the meantime.
func (c *Chaser) cancelCurrent(ctx context.Context, s *chaseSession) (cancelResult, error) {
	h := *s.current
	err := c.gw.CancelOrder(ctx, h)
	if err == nil {
		mtxCancels.WithLabelValues("ok").Inc()
		s.current = nil
		s.log.Debug("order cancelled", zap.String("order_id", h.ID))
		return cancelDone, nil
	}
	mtxCancels.WithLabelValues("error").Inc()
	cerr := wrapKind(KindOrderCancel, opCancelOrder, err)
	s.log.Warn("cancel failed; re-checking order", zap.String("order_id", h.ID), zap.Error(cerr))
	e := errorEvent(cerr, opCancelOrder)
	e.Kind, e.OrderID = EventCancelFailed, h.ID
	s.emit(e)

	st, qerr := c.gw.FetchOrderStatus(ctx, h)
	if qerr != nil {
		return cancelStillOpen, wrapKind(KindOrderQuery, opOrderStatus, qerr)
	}
	switch st {
	case StatusFilled:
		return cancelFilled, nil
	case StatusCanceled:
		s.current = nil
		return cancelDone, nil
	}
	return cancelStillOpen, nil
}

// fill handles a confirmed entry fill and plans the take-profit.
func (c *Chaser) fill(ctx context.Context, s *chaseSession) chaseOutcome {
	h := *s.current
	s.current = nil
	mtxFills.WithLabelValues(string(h.Side)).Inc()
	s.log.Info("entry filled", zap.String("order_id", h.ID), zap.Float64("price", h.Price))
	s.emit(Event{Kind: EventEntryFilled, Price: h.Price, Quantity: h.Quantity, OrderID: h.ID})

	out := chaseOutcome{state: StateFilled, fillPrice: h.Price}
	if !s.p.tp.Enabled() {
		return out
	}
	target, err := TargetPrice(h.Price, s.p.tp, s.p.side)
	if err == nil {
		planner := NewTakeProfitPlanner(c.gw, s.log, s.emit)
		_, err = planner.Submit(ctx, s.p.symbol, h.Quantity, target, s.p.side)
	}
	if err != nil {
		s.log.Error("take-profit not placed", zap.Error(err))
		s.emit(errorEvent(err, opTakeProfit))
		out.err = err
	}
	return out
}

// halt ends the session on a stop or shutdown, cancelling the live order with
// a context that survives the shutdown.
func (c *Chaser) halt(s *chaseSession) chaseOutcome {
	if s.current == nil {
		return chaseOutcome{state: StateStopped}
	}
	ctx, cancel := c.cleanupContext()
	defer cancel()

	const attempts = 2
	for i := 0; i < attempts; i++ {
		res, err := c.cancelCurrent(ctx, s)
		if err != nil {
			s.log.Error("order state unknown after stop", zap.Error(err))
			e := errorEvent(err, opOrderStatus)
			e.OrderID = s.current.ID
			s.emit(e)
			return chaseOutcome{state: StateStopped, err: err}
		}
		switch res {
		case cancelDone:
			return chaseOutcome{state: StateStopped}
		case cancelFilled:
			return c.fill(ctx, s)
		}
	}
	err := fmt.Errorf("order %s may still be open after stop", s.current.ID)
	s.log.Error("stop left a live order", zap.String("order_id", s.current.ID))
	return chaseOutcome{state: StateStopped, err: err}
}

// fail ends the session on a non-recoverable error. A stop or shutdown that
// raced the failing call wins.
func (c *Chaser) fail(ctx context.Context, s *chaseSession, err error) chaseOutcome {
	if !s.active(ctx) {
		return c.halt(s)
	}
	s.log.Error("chase failed", zap.String("op", opOf(err, "")), zap.Error(err))
	s.emit(errorEvent(err, ""))
	out := chaseOutcome{state: StateFailed, err: err}
	if s.current == nil {
		return out
	}

	cctx, cancel := c.cleanupContext()
	defer cancel()
	res, cerr := c.cancelCurrent(cctx, s)
	switch {
	case cerr != nil:
		s.log.Error("order may remain open after failure", zap.Error(cerr))
	case res == cancelFilled:
		return c.fill(cctx, s)
	case res == cancelStillOpen:
		s.log.Error("order may remain open after failure", zap.String("order_id", s.current.ID))
	}
	return out
}

// finish reports the outcome and only then releases the session, so a Start
// that observes Idle sees every event of the previous session already emitted.
func (c *Chaser) finish(s *chaseSession, out chaseOutcome) {
	s.requestStop()
	mtxSessions.WithLabelValues(string(out.state)).Inc()
	s.log.Info("chase finished", zap.String("outcome", string(out.state)), zap.Int("cycles", s.cycles))
	if out.state == StateStopped {
		s.emit(Event{Kind: EventStopped})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == s {
		c.session = nil
	}
	c.view.State = StateIdle
	c.view.LastOutcome = out.state
	c.view.FillPrice = out.fillPrice
	c.view.OrderID, c.view.OrderPrice = "", 0
	c.view.LastError = ""
	if out.err != nil {
		c.view.LastError = out.err.Error()
	}
	mtxActive.Set(0)
}

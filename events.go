// FILE: events.go
// Package main – Structured status events and the in-memory event history.
//
// The chaser reports progress as Event values through a callback. Rendering is
// left to collaborators: the websocket hub ships JSON, the logger writes
// fields, and Text() gives the one-line form operators expect.
package main

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind names a status event.
type EventKind string

const (
	EventStarted          EventKind = "chasing_started"
	EventOrderPlaced      EventKind = "order_placed"
	EventEntryFilled      EventKind = "entry_filled"
	EventTakeProfitPlaced EventKind = "take_profit_placed"
	EventCancelFailed     EventKind = "cancel_failed"
	EventError            EventKind = "order_error"
	EventStopped          EventKind = "stopped"
)

// Event is one status update. Seq is assigned by EventLog.
type Event struct {
	Seq       uint64    `json:"seq,omitempty"`
	Kind      EventKind `json:"kind"`
	Time      time.Time `json:"time"`
	Session   string    `json:"session,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Side      Side      `json:"side,omitempty"`
	Price     float64   `json:"price,omitempty"`
	Quantity  float64   `json:"quantity,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Op        string    `json:"op,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

func errorEvent(err error, op string) Event {
	return Event{
		Kind:      EventError,
		ErrorKind: KindOf(err),
		Op:        opOf(err, op),
		Detail:    err.Error(),
	}
}

// Text renders the event the way the original operator log did.
func (e Event) Text() string {
	px := strconv.FormatFloat(e.Price, 'f', -1, 64)
	switch e.Kind {
	case EventStarted:
		return fmt.Sprintf("Starting to chase %s order on %s (qty %g)", e.Side, e.Symbol, e.Quantity)
	case EventOrderPlaced:
		return fmt.Sprintf("Placed %s entry %s at %s", e.Symbol, e.OrderID, px)
	case EventEntryFilled:
		return "Entry filled at " + px
	case EventTakeProfitPlaced:
		return "Take-profit order placed at " + px
	case EventCancelFailed:
		return "Error while cancelling order: " + e.Detail
	case EventError:
		return fmt.Sprintf("Order error (%s during %s): %s", e.ErrorKind, e.Op, e.Detail)
	case EventStopped:
		return "Stopped chasing orders."
	}
	return string(e.Kind)
}

// fanOut delivers each event to every sink in order.
func fanOut(sinks ...func(Event)) func(Event) {
	return func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s(e)
			}
		}
	}
}

// logEvents is the zap sink.
func logEvents(log *zap.Logger) func(Event) {
	return func(e Event) {
		fields := []zap.Field{
			zap.String("kind", string(e.Kind)),
			zap.String("session", e.Session),
			zap.String("symbol", e.Symbol),
		}
		if e.OrderID != "" {
			fields = append(fields, zap.String("order_id", e.OrderID))
		}
		if e.Price != 0 {
			fields = append(fields, zap.Float64("price", e.Price))
		}
		if e.Kind == EventError || e.Kind == EventCancelFailed {
			fields = append(fields, zap.String("error_kind", string(e.ErrorKind)), zap.String("op", e.Op))
		}
		log.Info(e.Text(), fields...)
	}
}

// EventLog keeps the most recent events for the status endpoint.
type EventLog struct {
	mu   sync.Mutex
	buf  []Event
	max  int
	next uint64
}

func NewEventLog(max int) *EventLog {
	if max <= 0 {
		max = 200
	}
	return &EventLog{max: max}
}

// Append stamps Seq and stores e, dropping the oldest entry when full.
func (l *EventLog) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	e.Seq = l.next
	if len(l.buf) == l.max {
		copy(l.buf, l.buf[1:])
		l.buf = l.buf[:len(l.buf)-1]
	}
	l.buf = append(l.buf, e)
}

// Recent returns up to n events, oldest first. n <= 0 returns everything.
func (l *EventLog) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := 0
	if n > 0 && n < len(l.buf) {
		start = len(l.buf) - n
	}
	out := make([]Event, len(l.buf)-start)
	copy(out, l.buf[start:])
	return out
}

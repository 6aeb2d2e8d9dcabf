package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	c := NewChaser(ctx, &mockGateway{}, ChaserOptions{})
	s := NewControlServer(c, ControlOptions{Hub: hub, Limits: testLimits()})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	a, b := dialHub(t, srv), dialHub(t, srv)
	waitFor(t, "clients", func() bool { return hub.Clients() == 2 })

	hub.Publish(Event{Kind: EventEntryFilled, Symbol: "BTC/USDT", Price: 101, Session: "s1"})

	for i, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client %d read: %v", i, err)
		}
		var e Event
		if err := json.Unmarshal(msg, &e); err != nil {
			t.Fatal(err)
		}
		if e.Kind != EventEntryFilled || e.Price != 101 || e.Session != "s1" {
			t.Errorf("client %d got %+v", i, e)
		}
	}

	a.Close()
	waitFor(t, "unregister", func() bool { return hub.Clients() == 1 })
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, "client", func() bool { return hub.Clients() == 1 })

	cancel()
	waitClosed(t, stopped)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}
	// publishing after shutdown must not block
	hub.Publish(Event{Kind: EventStopped})
}

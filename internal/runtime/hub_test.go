package runtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

func TestStatusHubStreamsSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initial := protocol.StatusSnapshot{State: "idle", BadgeColor: "#000000"}
	hub := newStatusHub(func() protocol.StatusSnapshot { return initial }, newLogger())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var got protocol.StatusSnapshot
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if got.State != "idle" {
		t.Fatalf("expected current snapshot first, got %+v", got)
	}
	deadline := time.Now().Add(time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected one registered client, got %d", hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Update(protocol.StatusSnapshot{State: "recording", Recording: true, BadgeText: "REC"})
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if got.State != "recording" || got.BadgeText != "REC" {
		t.Fatalf("unexpected update %+v", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to close after shutdown")
	}
}

func TestStatusHubSendsSnapshotCurrentAtRegistration(t *testing.T) {
	var mu sync.Mutex
	current := protocol.StatusSnapshot{State: "idle"}
	hub := newStatusHub(func() protocol.StatusSnapshot {
		mu.Lock()
		defer mu.Unlock()
		return current
	}, newLogger())

	srv := httptest.NewServer(hub)
	defer srv.Close()

	// The hub loop is not running yet, so the client is upgraded but not
	// registered while the state moves on.
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	mu.Lock()
	current = protocol.StatusSnapshot{State: "recording", Recording: true, BadgeText: "REC"}
	mu.Unlock()
	hub.Update(current)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got protocol.StatusSnapshot
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read first snapshot: %v", err)
	}
	if got.State != "recording" {
		t.Fatalf("client registered after a change must not see stale state, got %+v", got)
	}
}

package hosts

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestActivePicksMostRecentlyFocusedHealthyHost(t *testing.T) {
	r := newRegistry(config.HostsConfig{HeartbeatTimeout: 1000}, newLogger())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base.Add(500 * time.Millisecond) }

	if _, ok := r.Active(); ok {
		t.Fatal("empty registry should have no active host")
	}

	r.applyAnnouncement(protocol.HostAnnouncement{HostID: "a", Active: true, Focused: true, Timestamp: base})
	r.applyAnnouncement(protocol.HostAnnouncement{HostID: "b", Active: true, Focused: true, Timestamp: base.Add(100 * time.Millisecond)})
	r.applyAnnouncement(protocol.HostAnnouncement{HostID: "c", Active: true, Focused: false, Timestamp: base.Add(200 * time.Millisecond)})

	host, ok := r.Active()
	if !ok || host.ID != "b" {
		t.Fatalf("expected host b, got %+v (%v)", host, ok)
	}

	// A repeated focused announcement does not move focus time.
	r.applyAnnouncement(protocol.HostAnnouncement{HostID: "a", Active: true, Focused: true, Timestamp: base.Add(300 * time.Millisecond)})
	if host, _ := r.Active(); host.ID != "b" {
		t.Fatalf("expected host b to stay active, got %s", host.ID)
	}

	r.applyAnnouncement(protocol.HostAnnouncement{HostID: "b", Active: true, Focused: false, Timestamp: base.Add(400 * time.Millisecond)})
	if host, _ := r.Active(); host.ID != "a" {
		t.Fatalf("expected host a after b blurred, got %s", host.ID)
	}

	r.applyAnnouncement(protocol.HostAnnouncement{HostID: "a", Active: false})
	if _, ok := r.Active(); ok {
		t.Fatal("departed host must not be active")
	}
	if got := len(r.Query(nil)); got != 2 {
		t.Fatalf("expected 2 remaining hosts, got %d", got)
	}
}

func TestHeartbeatTimeoutMarksHostUnhealthy(t *testing.T) {
	r := newRegistry(config.HostsConfig{HeartbeatTimeout: 1000}, newLogger())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	r.applyAnnouncement(protocol.HostAnnouncement{HostID: "a", Active: true, Focused: true, Timestamp: base})
	r.applyHeartbeat(protocol.HostHeartbeat{HostID: "ghost", Timestamp: base})
	if got := len(r.Query(nil)); got != 1 {
		t.Fatalf("heartbeat from unknown host must not register it, got %d hosts", got)
	}

	now = base.Add(1500 * time.Millisecond)
	r.evaluateHealth()
	if _, ok := r.Active(); ok {
		t.Fatal("stale host must not be active")
	}
	if known, focused := r.snapshotCounts(); known != 1 || focused != 0 {
		t.Fatalf("unexpected counts known=%d focused=%d", known, focused)
	}

	r.applyHeartbeat(protocol.HostHeartbeat{HostID: "a", Timestamp: now})
	if host, ok := r.Active(); !ok || host.ID != "a" {
		t.Fatal("heartbeat should restore the host")
	}
	if got := r.Query(WithHealthyFilter()); len(got) != 1 {
		t.Fatalf("expected one healthy host, got %d", len(got))
	}
}

func TestAnnouncerRegistersOverBus(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	ctx := context.Background()
	orchConn, err := bus.Dial(ctx, srv.ClientURL(), "orchestrator", newLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(orchConn.Close)
	hostConn, err := bus.Dial(ctx, srv.ClientURL(), "host", newLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(hostConn.Close)

	cfg := config.HostsConfig{HeartbeatInterval: 50, HeartbeatTimeout: 5000}
	registry, err := NewRegistry(ctx, cfg, orchConn, newLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(registry.Close)
	if err := orchConn.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	announcer := NewAnnouncer(ctx, cfg, hostConn, "host-1", "notes", newLogger())
	if err := announcer.Start(); err != nil {
		t.Fatalf("announcer start: %v", err)
	}
	if err := announcer.SetFocused(true); err != nil {
		t.Fatalf("focus: %v", err)
	}

	waitFor(t, func() bool {
		host, ok := registry.Active()
		return ok && host.ID == "host-1" && host.Name == "notes"
	})

	announcer.Close()
	waitFor(t, func() bool { return len(registry.Query(nil)) == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

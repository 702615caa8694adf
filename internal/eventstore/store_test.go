package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if es.Enabled() {
		t.Fatal("ephemeral store must not record")
	}
	if err := es.AppendTransition(ctx, Transition{SessionID: "s", Trigger: "toggle", From: "idle", To: "starting"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	if got, err := es.ListTransitions(ctx, "s", 10); err != nil || got != nil {
		t.Fatalf("expected nothing recorded, got %v (%v)", got, err)
	}
}

func TestAppendAndListTransitions(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "persistent"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.BeginSession(ctx, "session-1", "host-a"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	steps := []Transition{
		{SessionID: "session-1", Trigger: "toggle", From: "idle", To: "starting"},
		{SessionID: "session-1", Trigger: "report_recording", From: "starting", To: "recording", Status: "recording"},
		{SessionID: "session-1", Trigger: "report_stopped", From: "recording", To: "idle", Status: "stopped"},
	}
	for _, tr := range steps {
		if err := es.AppendTransition(ctx, tr); err != nil {
			t.Fatalf("append transition: %v", err)
		}
	}

	got, err := es.ListTransitions(ctx, "session-1", 10)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(got) != len(steps) {
		t.Fatalf("expected %d transitions, got %d", len(steps), len(got))
	}
	for i, tr := range got {
		if tr.Trigger != steps[i].Trigger || tr.To != steps[i].To || tr.Status != steps[i].Status {
			t.Fatalf("transition %d: expected %+v, got %+v", i, steps[i], tr)
		}
		if tr.CreatedAt.IsZero() {
			t.Fatalf("transition %d has no timestamp", i)
		}
	}

	sessions, err := es.RecentSessions(ctx, 5)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].HostID != "host-a" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestSessionRetentionResetsOnOpen(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	if err := es.BeginSession(ctx, "session-1", ""); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	es, err = Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("reopen event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	sessions, err := es.RecentSessions(ctx, 5)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected a fresh timeline, got %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "old-session", ""); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendTransition(ctx, Transition{SessionID: "old-session", Trigger: "toggle", From: "idle", To: "starting"}); err != nil {
		t.Fatalf("append transition: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "new-session", ""); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	transitions, err := es.ListTransitions(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(transitions) != 0 {
		t.Fatal("expected old session pruned")
	}
	sessions, err := es.RecentSessions(ctx, 5)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("expected only the new session, got %+v", sessions)
	}
}

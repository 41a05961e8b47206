package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/voicelock/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.AuditConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.db != nil {
		t.Fatal("ephemeral store should not open a database")
	}
	if err := es.AppendEvent(ctx, Event{Identity: "alice", Type: TypeVerify, Outcome: OutcomeMatch}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	events, err := es.ListIdentityEvents(ctx, "alice", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected nothing recorded, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.AuditConfig{Path: filepath.Join(tmp, "audit.db"), RetentionMode: "persistent"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendEvent(ctx, Event{Identity: "alice", Type: TypeRegister, Outcome: OutcomeEnrolled, Fingerprint: "AB12"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	es.clock = func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendEvent(ctx, Event{RequestID: "req-1", Identity: "alice", Type: TypeVerify, Outcome: OutcomeMatch, Score: 0.91}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{Identity: "bob", Type: TypeVerify, Outcome: OutcomeNoMatch}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	events, err := es.ListIdentityEvents(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].RequestID != "req-1" || events[0].Score != 0.91 || events[0].Outcome != OutcomeMatch {
		t.Fatalf("expected newest verify first, got %+v", events[0])
	}
	if events[1].RequestID == "" {
		t.Fatal("expected generated request id")
	}
	if events[1].Fingerprint != "AB12" || !events[1].CreatedAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected register event %+v", events[1])
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.AuditConfig{Path: filepath.Join(tmp, "audit.db"), RetentionMode: "persistent", RetentionDays: 1, MaxEvents: 2}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendEvent(ctx, Event{Identity: "old", Type: TypeVerify, Outcome: OutcomeMatch}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for i := 0; i < 3; i++ {
		if err := es.AppendEvent(ctx, Event{Identity: "new", Type: TypeVerify, Outcome: OutcomeMatch}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := es.ListIdentityEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old events pruned")
	}
	recent, err := es.ListIdentityEvents(ctx, "new", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected max_events to keep 2, got %d", len(recent))
	}
}

package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/loqalabs/voicelock/internal/audio/audiotest"
	"github.com/loqalabs/voicelock/internal/config"
	"github.com/loqalabs/voicelock/internal/enroll"
	"github.com/loqalabs/voicelock/internal/voiceprint"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Store.Path = filepath.Join(dir, "voiceprints.msgpack")
	cfg.Audit.Path = filepath.Join(dir, "audit.db")
	cfg.Embedding.Workers = 2
	return cfg
}

func TestOpenCorePersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	sample := enroll.Sample{Data: audiotest.WAV(t, audiotest.Voice(1.5, 140))}

	core, err := OpenCore(ctx, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("open core: %v", err)
	}
	if _, err := core.Service.Register(ctx, "alice", sample); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := core.Close(); err != nil {
		t.Fatalf("close core: %v", err)
	}

	core, err = OpenCore(ctx, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("reopen core: %v", err)
	}
	defer core.Close()

	res, err := core.Service.Verify(ctx, "alice", sample)
	if err != nil {
		t.Fatalf("verify after restart: %v", err)
	}
	if !res.Matched {
		t.Fatalf("expected match after restart, got %+v", res)
	}
	events, err := core.Audit.ListIdentityEvents(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected register and verify audited, got %d", len(events))
	}
}

func TestOpenCoreRejectsModelChange(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	core, err := OpenCore(ctx, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("open core: %v", err)
	}
	if _, err := core.Service.Register(ctx, "alice", enroll.Sample{Data: audiotest.WAV(t, audiotest.Voice(1, 140))}); err != nil {
		t.Fatalf("register: %v", err)
	}
	core.Close()

	cfg.Embedding.Bands = 32
	if _, err := OpenCore(ctx, cfg, nil, testLogger()); !errors.Is(err, voiceprint.ErrModelMismatch) {
		t.Fatalf("expected ErrModelMismatch, got %v", err)
	}

	cfg.Store.AllowModelChange = true
	core, err = OpenCore(ctx, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("open with model change allowed: %v", err)
	}
	defer core.Close()
	if core.Store.Len() != 0 {
		t.Fatalf("expected store reset, got %d entries", core.Store.Len())
	}
}

func TestReadiness(t *testing.T) {
	r := New(config.Default(), testLogger())

	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}

	r.ready.Store(true)
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}
}

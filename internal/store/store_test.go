package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loqalabs/voicelock/internal/voiceprint"
)

var testModel = ModelInfo{ID: "test-model-v1", Dimension: 3}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type backendFactory func(t *testing.T, dir string) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"file": func(t *testing.T, dir string) Backend {
			b, err := NewFile(filepath.Join(dir, "voiceprints.msgpack"))
			if err != nil {
				t.Fatalf("file backend: %v", err)
			}
			return b
		},
		"sqlite": func(t *testing.T, dir string) Backend {
			b, err := NewSQLite(context.Background(), filepath.Join(dir, "voiceprints.db"))
			if err != nil {
				t.Fatalf("sqlite backend: %v", err)
			}
			return b
		},
		"badger": func(t *testing.T, dir string) Backend {
			b, err := NewBadger(BadgerOptions{Dir: filepath.Join(dir, "badger"), Logger: testLogger()})
			if err != nil {
				t.Fatalf("badger backend: %v", err)
			}
			return b
		},
	}
}

func openStore(t *testing.T, b Backend, info ModelInfo, opts Options) *Store {
	t.Helper()
	opts.Logger = testLogger()
	s, err := Open(context.Background(), b, info, opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestBackendsPersistAcrossReopen(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			s := openStore(t, factory(t, dir), testModel, Options{})
			if _, err := s.Put(ctx, "alice", Record{Embedding: voiceprint.Embedding{1, 0, 0}, Fingerprint: "AAAA"}); err != nil {
				t.Fatalf("put alice: %v", err)
			}
			if _, err := s.Put(ctx, "bob", Record{Embedding: voiceprint.Embedding{0, 1, 0}, Fingerprint: "BBBB"}); err != nil {
				t.Fatalf("put bob: %v", err)
			}
			if err := s.Delete(ctx, "bob"); err != nil {
				t.Fatalf("delete bob: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			reopened := openStore(t, factory(t, dir), testModel, Options{})
			defer reopened.Close()

			if reopened.Len() != 1 {
				t.Fatalf("expected 1 voiceprint after reopen, got %d", reopened.Len())
			}
			rec, ok := reopened.Get("alice")
			if !ok {
				t.Fatal("alice missing after reopen")
			}
			if rec.Fingerprint != "AAAA" || rec.Embedding[0] != 1 || len(rec.Embedding) != 3 {
				t.Fatalf("unexpected record %+v", rec)
			}
			if rec.EnrolledAt.IsZero() {
				t.Fatal("expected enrolled_at to survive reopen")
			}
			if _, ok := reopened.Get("bob"); ok {
				t.Fatal("bob should stay deleted")
			}
			if meta := reopened.Load().Meta; meta.ModelID != testModel.ID || meta.Dimension != 3 {
				t.Fatalf("unexpected meta %+v", meta)
			}
		})
	}
}

func TestPutReportsReplacement(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, NewMemory(), testModel, Options{})

	replaced, err := s.Put(ctx, "alice", Record{Embedding: voiceprint.Embedding{1, 0, 0}})
	if err != nil || replaced {
		t.Fatalf("first put: replaced=%v err=%v", replaced, err)
	}
	replaced, err = s.Put(ctx, "alice", Record{Embedding: voiceprint.Embedding{0, 0, 1}})
	if err != nil || !replaced {
		t.Fatalf("second put: replaced=%v err=%v", replaced, err)
	}
	rec, _ := s.Get("alice")
	if rec.Embedding[2] != 1 {
		t.Fatalf("expected overwritten embedding, got %v", rec.Embedding)
	}
	if s.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", s.Len())
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, NewMemory(), testModel, Options{})
	emb := voiceprint.Embedding{1, 0, 0}
	if _, err := s.Put(ctx, "alice", Record{Embedding: emb}); err != nil {
		t.Fatalf("put: %v", err)
	}
	emb[0] = 42

	before := s.Load()
	if _, err := s.Put(ctx, "bob", Record{Embedding: voiceprint.Embedding{0, 1, 0}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(before.Entries) != 1 {
		t.Fatalf("earlier snapshot changed: %d entries", len(before.Entries))
	}
	if rec, _ := s.Get("alice"); rec.Embedding[0] != 1 {
		t.Fatalf("store aliased caller embedding: %v", rec.Embedding)
	}
}

type failingBackend struct {
	Memory
	fail bool
}

func (f *failingBackend) Commit(ctx context.Context, next *Snapshot, change Change) error {
	if f.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestFailedCommitKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{}
	s := openStore(t, backend, testModel, Options{})
	if _, err := s.Put(ctx, "alice", Record{Embedding: voiceprint.Embedding{1, 0, 0}}); err != nil {
		t.Fatalf("put: %v", err)
	}

	backend.fail = true
	if _, err := s.Put(ctx, "bob", Record{Embedding: voiceprint.Embedding{0, 1, 0}}); err == nil {
		t.Fatal("expected commit failure to surface")
	}
	if err := s.Delete(ctx, "alice"); err == nil {
		t.Fatal("expected delete failure to surface")
	}
	if s.Len() != 1 {
		t.Fatalf("expected snapshot unchanged, got %d entries", s.Len())
	}
	if _, ok := s.Get("alice"); !ok {
		t.Fatal("alice lost after failed delete")
	}
}

func TestConcurrentPutsAllSurvive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	factory := backends()["file"]
	s := openStore(t, factory(t, dir), testModel, Options{})

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("user-%02d", i)
			if _, err := s.Put(ctx, id, Record{Embedding: voiceprint.Embedding{float32(i), 1, 0}}); err != nil {
				t.Errorf("put %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()
	s.Close()

	reopened := openStore(t, factory(t, dir), testModel, Options{})
	if reopened.Len() != writers {
		t.Fatalf("expected %d voiceprints, got %d", writers, reopened.Len())
	}
	list := reopened.List()
	if list[0].Identity != "user-00" || list[0].Embedding != nil {
		t.Fatalf("expected sorted list without embeddings, got %+v", list[0])
	}
}

func TestModelMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	factory := backends()["sqlite"]

	s := openStore(t, factory(t, dir), testModel, Options{})
	if _, err := s.Put(ctx, "alice", Record{Embedding: voiceprint.Embedding{1, 0, 0}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Close()

	other := ModelInfo{ID: "test-model-v2", Dimension: 4}
	backend := factory(t, dir)
	if _, err := Open(ctx, backend, other, Options{Logger: testLogger()}); !errors.Is(err, voiceprint.ErrModelMismatch) {
		t.Fatalf("expected ErrModelMismatch, got %v", err)
	}
	backend.Close()

	reset := openStore(t, factory(t, dir), other, Options{AllowModelChange: true})
	if reset.Len() != 0 {
		t.Fatalf("expected reset store, got %d entries", reset.Len())
	}
	reset.Close()

	again := openStore(t, factory(t, dir), other, Options{})
	defer again.Close()
	if again.Len() != 0 || again.Load().Meta.ModelID != other.ID {
		t.Fatalf("reset was not persisted: %+v", again.Load().Meta)
	}
}

func TestPutRejectsWrongDimension(t *testing.T) {
	s := openStore(t, NewMemory(), testModel, Options{})
	if _, err := s.Put(context.Background(), "alice", Record{Embedding: voiceprint.Embedding{1, 0}}); !errors.Is(err, voiceprint.ErrModelMismatch) {
		t.Fatalf("expected ErrModelMismatch, got %v", err)
	}
}

func TestDeleteUnknown(t *testing.T) {
	s := openStore(t, NewMemory(), testModel, Options{})
	if err := s.Delete(context.Background(), "ghost"); !errors.Is(err, voiceprint.ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voiceprints.msgpack")
	if err := os.WriteFile(path, []byte("not msgpack at all"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	backend, err := NewFile(path)
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	defer backend.Close()
	if _, err := Open(context.Background(), backend, testModel, Options{Logger: testLogger()}); !errors.Is(err, voiceprint.ErrStoreCorrupt) {
		t.Fatalf("expected ErrStoreCorrupt, got %v", err)
	}
}

func TestSecondWriterIsLockedOut(t *testing.T) {
	for _, name := range []string{"file", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			factory := backends()[name]

			daemon := openStore(t, factory(t, dir), testModel, Options{})
			if _, err := daemon.Put(ctx, "bob", Record{Embedding: voiceprint.Embedding{0, 1, 0}}); err != nil {
				t.Fatalf("put bob: %v", err)
			}

			var err error
			switch name {
			case "file":
				_, err = NewFile(filepath.Join(dir, "voiceprints.msgpack"))
			case "sqlite":
				_, err = NewSQLite(ctx, filepath.Join(dir, "voiceprints.db"))
			}
			if !errors.Is(err, ErrLocked) {
				t.Fatalf("expected ErrLocked for a second opener, got %v", err)
			}

			if err := daemon.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			cli := openStore(t, factory(t, dir), testModel, Options{})
			defer cli.Close()
			if _, err := cli.Put(ctx, "alice", Record{Embedding: voiceprint.Embedding{1, 0, 0}}); err != nil {
				t.Fatalf("put alice: %v", err)
			}
			if _, ok := cli.Get("bob"); !ok {
				t.Fatal("bob lost after handing the store over")
			}
		})
	}
}

func TestEmbeddingBlob(t *testing.T) {
	in := voiceprint.Embedding{0.25, -1, 3.5}
	out, err := DecodeEmbedding(EncodeEmbedding(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("blob mismatch at %d: %v vs %v", i, in[i], out[i])
		}
	}
	if _, err := DecodeEmbedding([]byte{1, 2, 3}); !errors.Is(err, voiceprint.ErrStoreCorrupt) {
		t.Fatalf("expected ErrStoreCorrupt for short blob, got %v", err)
	}
}

package enroll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/voicelock/internal/audio/audiotest"
	"github.com/loqalabs/voicelock/internal/embedding"
	"github.com/loqalabs/voicelock/internal/eventstore"
	"github.com/loqalabs/voicelock/internal/protocol"
	"github.com/loqalabs/voicelock/internal/store"
	"github.com/loqalabs/voicelock/internal/voiceprint"
)

type memoryRecorder struct {
	mu     sync.Mutex
	events []eventstore.Event
}

func (r *memoryRecorder) AppendEvent(_ context.Context, evt eventstore.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

type memoryPublisher struct {
	mu     sync.Mutex
	events []protocol.VoiceEvent
}

func (p *memoryPublisher) PublishEvent(_ context.Context, evt protocol.VoiceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

type fixture struct {
	svc       *Service
	store     *store.Store
	recorder  *memoryRecorder
	publisher *memoryPublisher
}

func newFixture(t *testing.T, backend store.Backend) fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	model := embedding.NewSpectral(64)
	pool := embedding.NewPool(model, embedding.PoolOptions{Workers: 2, MinDuration: 500 * time.Millisecond}, log)
	t.Cleanup(pool.Close)

	st, err := store.Open(context.Background(), backend, store.ModelInfo{ID: model.ID(), Dimension: model.Dimension()}, store.Options{Logger: log})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	hasher, err := voiceprint.NewHasher(model.Dimension(), 16, voiceprint.DefaultHashSeed)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	f := fixture{store: st, recorder: &memoryRecorder{}, publisher: &memoryPublisher{}}
	f.svc = NewService(pool, st, Options{
		Matcher:   voiceprint.NewMatcher(voiceprint.DefaultThreshold),
		Hasher:    hasher,
		Recorder:  f.recorder,
		Publisher: f.publisher,
		Logger:    log,
	})
	return f
}

func TestEnrollAndVerifyScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	sampleA := Sample{Data: audiotest.WAV(t, audiotest.Voice(2, 120))}
	sampleB := Sample{Data: audiotest.WAV(t, audiotest.Tone(2, 5000, 6200)), Format: "wav"}

	ack, err := f.svc.Register(ctx, "alice", sampleA)
	if err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if ack.Identity != "alice" || ack.Replaced || len(ack.Fingerprint) != 4 || ack.EnrolledAt.IsZero() {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if f.store.Len() != 1 {
		t.Fatalf("expected one voiceprint, got %d", f.store.Len())
	}

	res, err := f.svc.Verify(ctx, "alice", sampleA)
	if err != nil {
		t.Fatalf("verify same sample: %v", err)
	}
	if !res.Matched || res.Score < 0.999 {
		t.Fatalf("expected match with score ~1, got %+v", res)
	}
	if res.Threshold != voiceprint.DefaultThreshold {
		t.Fatalf("expected threshold echoed, got %v", res.Threshold)
	}

	res, err = f.svc.Verify(ctx, "alice", sampleB)
	if err != nil {
		t.Fatalf("verify other sample: %v", err)
	}
	if res.Matched || res.Score >= 0.45 {
		t.Fatalf("expected rejection below 0.45, got %+v", res)
	}

	if _, err := f.svc.Verify(ctx, "bob", sampleA); !errors.Is(err, voiceprint.ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

func TestVerifyUnknownUserBeforeDecoding(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	_, err := f.svc.Verify(context.Background(), "bob", Sample{Data: []byte("definitely not audio")})
	if !errors.Is(err, voiceprint.ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

func TestRegisterShortAudioLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	if _, err := f.svc.Register(ctx, "alice", Sample{Data: audiotest.WAV(t, audiotest.Voice(1, 120))}); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	before := f.store.Load()

	_, err := f.svc.Register(ctx, "carol", Sample{Data: audiotest.WAV(t, audiotest.Voice(0.2, 200))})
	if !errors.Is(err, voiceprint.ErrInvalidAudio) {
		t.Fatalf("expected ErrInvalidAudio, got %v", err)
	}
	_, err = f.svc.Register(ctx, "alice", Sample{Data: []byte("garbage bytes")})
	if !errors.Is(err, voiceprint.ErrInvalidAudio) {
		t.Fatalf("expected ErrInvalidAudio for garbage, got %v", err)
	}
	if f.store.Load() != before {
		t.Fatal("store snapshot changed after rejected registrations")
	}

	last := f.recorder.events[len(f.recorder.events)-1]
	if last.Outcome != eventstore.OutcomeRejected || last.Identity != "alice" {
		t.Fatalf("expected rejected audit event, got %+v", last)
	}
	if len(f.publisher.events) != 1 {
		t.Fatalf("expected only the successful registration published, got %d", len(f.publisher.events))
	}
}

func TestReRegisterOverwrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	first := Sample{Data: audiotest.WAV(t, audiotest.Voice(1.5, 110))}
	second := Sample{Data: audiotest.WAV(t, audiotest.Tone(1.5, 3000, 4500))}

	if _, err := f.svc.Register(ctx, "alice", first); err != nil {
		t.Fatalf("first register: %v", err)
	}
	ack, err := f.svc.Register(ctx, "alice", second)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if !ack.Replaced {
		t.Fatal("expected second registration to replace the first")
	}

	recent, err := f.svc.Verify(ctx, "alice", second)
	if err != nil {
		t.Fatalf("verify recent: %v", err)
	}
	earlier, err := f.svc.Verify(ctx, "alice", first)
	if err != nil {
		t.Fatalf("verify earlier: %v", err)
	}
	if recent.Score < earlier.Score {
		t.Fatalf("recent sample scored %v, discarded sample %v", recent.Score, earlier.Score)
	}
	if f.store.Len() != 1 {
		t.Fatalf("expected one voiceprint, got %d", f.store.Len())
	}
}

func TestInvalidIdentity(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	sample := Sample{Data: audiotest.WAV(t, audiotest.Voice(1, 120))}
	if _, err := f.svc.Register(context.Background(), "   ", sample); !errors.Is(err, voiceprint.ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
	if len(f.recorder.events) != 0 {
		t.Fatalf("invalid identities should not be audited, got %+v", f.recorder.events)
	}
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	sample := Sample{Data: audiotest.WAV(t, audiotest.Voice(1, 130))}
	for _, id := range []string{"bob", "alice"} {
		if _, err := f.svc.Register(ctx, id, sample); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	list := f.svc.List()
	if len(list) != 2 || list[0].Identity != "alice" || list[0].Fingerprint == "" {
		t.Fatalf("unexpected list %+v", list)
	}
	if err := f.svc.Delete(ctx, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.svc.Delete(ctx, "alice"); !errors.Is(err, voiceprint.ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser on second delete, got %v", err)
	}
	if _, err := f.svc.Verify(ctx, "alice", sample); !errors.Is(err, voiceprint.ErrUnknownUser) {
		t.Fatalf("expected deleted identity to be unknown, got %v", err)
	}
	last := f.publisher.events[len(f.publisher.events)-1]
	if last.Kind != protocol.EventDeleted || last.Identity != "alice" {
		t.Fatalf("expected delete event, got %+v", last)
	}
	if st := f.svc.Status(); st.Enrolled != 1 || st.Dimension != 64 {
		t.Fatalf("unexpected status %+v", st)
	}
}

type brokenBackend struct {
	store.Memory
}

func (brokenBackend) Commit(context.Context, *store.Snapshot, store.Change) error {
	return errors.New("read-only filesystem")
}

func TestRegisterSurfacesCommitFailure(t *testing.T) {
	f := newFixture(t, &brokenBackend{})
	_, err := f.svc.Register(context.Background(), "alice", Sample{Data: audiotest.WAV(t, audiotest.Voice(1, 120))})
	if err == nil {
		t.Fatal("expected commit failure to surface")
	}
	if Code(err) != CodeInternal {
		t.Fatalf("expected internal error code, got %q", Code(err))
	}
	if f.store.Len() != 0 || len(f.publisher.events) != 0 {
		t.Fatal("failed registration must not be visible")
	}
	if last := f.recorder.events[len(f.recorder.events)-1]; last.Outcome != eventstore.OutcomeError {
		t.Fatalf("expected error audit outcome, got %+v", last)
	}
}

func TestCode(t *testing.T) {
	cases := map[error]string{
		voiceprint.ErrUnsupportedFormat: CodeUnsupportedFormat,
		voiceprint.ErrInvalidAudio:      CodeInvalidAudio,
		voiceprint.ErrUnknownUser:       CodeUnknownUser,
		voiceprint.ErrExtraction:        CodeExtractionFailed,
		voiceprint.ErrStoreCorrupt:      CodeStoreCorrupt,
		context.Canceled:                CodeCanceled,
		errors.New("boom"):              CodeInternal,
	}
	for err, want := range cases {
		if got := Code(err); got != want {
			t.Fatalf("Code(%v) = %q, want %q", err, got, want)
		}
	}
}

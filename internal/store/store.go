// Package store keeps enrolled voiceprints.
//
// All mutations go through Store, which holds a single writer lock: each Put
// or Delete clones the last committed snapshot, applies one change, commits
// it to the Backend and only then publishes it. Readers load the published
// snapshot through an atomic pointer and never block writers.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/voicelock/internal/voiceprint"
)

// SchemaVersion is written into every persisted snapshot.
const SchemaVersion = 1

// Meta describes the model that produced every embedding in a snapshot.
type Meta struct {
	SchemaVersion int       `msgpack:"schema_version"`
	ModelID       string    `msgpack:"model_id"`
	Dimension     int       `msgpack:"dimension"`
	UpdatedAt     time.Time `msgpack:"updated_at"`
}

// Record is one enrolled voiceprint.
type Record struct {
	Identity    string               `msgpack:"identity"`
	Embedding   voiceprint.Embedding `msgpack:"embedding"`
	Fingerprint string               `msgpack:"fingerprint"`
	EnrolledAt  time.Time            `msgpack:"enrolled_at"`
}

// Snapshot is an immutable view of the store. Callers must not modify it.
type Snapshot struct {
	Meta    Meta              `msgpack:"meta"`
	Entries map[string]Record `msgpack:"entries"`
}

func emptySnapshot(info ModelInfo, now time.Time) *Snapshot {
	return &Snapshot{
		Meta: Meta{
			SchemaVersion: SchemaVersion,
			ModelID:       info.ID,
			Dimension:     info.Dimension,
			UpdatedAt:     now,
		},
		Entries: map[string]Record{},
	}
}

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{Meta: s.Meta, Entries: make(map[string]Record, len(s.Entries)+1)}
	for k, v := range s.Entries {
		next.Entries[k] = v
	}
	return next
}

// Op names the mutation carried by a Change.
type Op int

const (
	OpPut Op = iota + 1
	OpDelete
	// OpReset replaces everything persisted with the (empty) snapshot.
	OpReset
)

// Change is the single mutation that turned the previous snapshot into the
// one being committed. Backends that store entries individually use it to
// avoid rewriting the whole snapshot.
type Change struct {
	Op       Op
	Identity string
	Record   Record
}

// Backend persists snapshots.
type Backend interface {
	// Load returns the persisted snapshot, or nil when nothing has been
	// persisted yet. Undecodable data yields voiceprint.ErrStoreCorrupt.
	Load(ctx context.Context) (*Snapshot, error)
	// Commit makes next durable. After a failed Commit the previously
	// committed snapshot must still be what Load returns.
	Commit(ctx context.Context, next *Snapshot, change Change) error
	Close() error
}

// ModelInfo identifies the running embedding model.
type ModelInfo struct {
	ID        string
	Dimension int
}

// Options tune Open.
type Options struct {
	// AllowModelChange resets a store written by a different model instead
	// of refusing to start.
	AllowModelChange bool
	Logger           *slog.Logger
}

// Store is the voiceprint registry.
type Store struct {
	backend Backend
	info    ModelInfo
	log     *slog.Logger
	clock   func() time.Time

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// Open loads the persisted snapshot from backend and checks it was produced
// by the running model.
func Open(ctx context.Context, backend Backend, info ModelInfo, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if info.Dimension <= 0 {
		return nil, errors.New("store: model dimension must be positive")
	}
	s := &Store{backend: backend, info: info, log: log, clock: time.Now}

	snap, err := backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case snap == nil:
		snap = emptySnapshot(info, s.clock().UTC())
	case snap.Meta.ModelID == "" && len(snap.Entries) == 0:
		snap = emptySnapshot(info, s.clock().UTC())
	case snap.Meta.ModelID != info.ID || snap.Meta.Dimension != info.Dimension:
		if !opts.AllowModelChange {
			return nil, fmt.Errorf("%w: store holds %d voiceprints from %q (dim %d), running %q (dim %d)",
				voiceprint.ErrModelMismatch, len(snap.Entries), snap.Meta.ModelID, snap.Meta.Dimension, info.ID, info.Dimension)
		}
		log.Warn("embedding model changed, discarding enrolled voiceprints",
			slog.String("previous_model", snap.Meta.ModelID),
			slog.String("model", info.ID),
			slog.Int("discarded", len(snap.Entries)))
		snap = emptySnapshot(info, s.clock().UTC())
		if err := backend.Commit(ctx, snap, Change{Op: OpReset}); err != nil {
			return nil, fmt.Errorf("reset store: %w", err)
		}
	default:
		if snap.Entries == nil {
			snap.Entries = map[string]Record{}
		}
		for id, rec := range snap.Entries {
			if len(rec.Embedding) != info.Dimension {
				return nil, fmt.Errorf("%w: voiceprint %q has %d dimensions, expected %d",
					voiceprint.ErrStoreCorrupt, id, len(rec.Embedding), info.Dimension)
			}
		}
	}
	s.current.Store(snap)

	log.Info("voiceprint store opened",
		slog.Int("voiceprints", len(snap.Entries)),
		slog.String("model_id", info.ID))
	return s, nil
}

// Load returns the last committed snapshot.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Get returns the record enrolled under identity.
func (s *Store) Get(identity string) (Record, bool) {
	rec, ok := s.current.Load().Entries[identity]
	if !ok {
		return Record{}, false
	}
	rec.Embedding = rec.Embedding.Clone()
	return rec, true
}

// Len reports the number of enrolled identities.
func (s *Store) Len() int {
	return len(s.current.Load().Entries)
}

// List returns every record sorted by identity, without embeddings.
func (s *Store) List() []Record {
	snap := s.current.Load()
	out := make([]Record, 0, len(snap.Entries))
	for _, rec := range snap.Entries {
		rec.Embedding = nil
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Put enrolls rec under identity, replacing any previous voiceprint. It
// reports whether an existing entry was replaced.
func (s *Store) Put(ctx context.Context, identity string, rec Record) (bool, error) {
	if len(rec.Embedding) != s.info.Dimension {
		return false, fmt.Errorf("%w: embedding has %d dimensions, store expects %d",
			voiceprint.ErrModelMismatch, len(rec.Embedding), s.info.Dimension)
	}
	rec.Identity = identity
	rec.Embedding = rec.Embedding.Clone()
	if rec.EnrolledAt.IsZero() {
		rec.EnrolledAt = s.clock().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().clone()
	_, replaced := next.Entries[identity]
	next.Entries[identity] = rec
	next.Meta.UpdatedAt = s.clock().UTC()

	if err := s.backend.Commit(ctx, next, Change{Op: OpPut, Identity: identity, Record: rec}); err != nil {
		return false, fmt.Errorf("commit voiceprint: %w", err)
	}
	s.current.Store(next)
	return replaced, nil
}

// Delete removes identity. It returns voiceprint.ErrUnknownUser when nothing
// is enrolled under it.
func (s *Store) Delete(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if _, ok := cur.Entries[identity]; !ok {
		return fmt.Errorf("%w: %s", voiceprint.ErrUnknownUser, identity)
	}
	next := cur.clone()
	delete(next.Entries, identity)
	next.Meta.UpdatedAt = s.clock().UTC()

	if err := s.backend.Commit(ctx, next, Change{Op: OpDelete, Identity: identity}); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	s.current.Store(next)
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/loqalabs/voicelock/internal/voiceprint"
)

// File stores the whole snapshot in one msgpack document and replaces it
// atomically on every commit.
type File struct {
	path string
	lock *flock.Flock
}

// NewFile returns a File backend writing to path, creating its directory.
// It holds an exclusive lock on path until Close.
func NewFile(path string) (*File, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	lock, err := lockPath(path)
	if err != nil {
		return nil, err
	}
	return &File{path: path, lock: lock}, nil
}

func (f *File) Load(context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read voiceprint store: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var snap Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", voiceprint.ErrStoreCorrupt, f.path, err)
	}
	if snap.Meta.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("%w: %s has schema version %d, newest supported is %d",
			voiceprint.ErrStoreCorrupt, f.path, snap.Meta.SchemaVersion, SchemaVersion)
	}
	return &snap, nil
}

func (f *File) Commit(ctx context.Context, next *Snapshot, _ Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msgpack.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode voiceprint store: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp store: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace store: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

func (f *File) Close() error {
	if f.lock == nil {
		return nil
	}
	err := f.lock.Unlock()
	f.lock = nil
	return err
}

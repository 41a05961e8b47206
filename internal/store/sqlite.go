package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/loqalabs/voicelock/internal/voiceprint"
)

// SQLite keeps one row per voiceprint and applies each change in its own
// transaction.
type SQLite struct {
	db   *sql.DB
	lock *flock.Flock
}

// NewSQLite opens (or creates) the database at path in WAL mode.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
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

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db, lock: lock}
	if err := db.PingContext(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := s.initSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS meta (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    schema_version INTEGER NOT NULL,
    model_id TEXT NOT NULL,
    dimension INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS voiceprints (
    identity TEXT PRIMARY KEY,
    embedding BLOB NOT NULL,
    fingerprint TEXT NOT NULL,
    enrolled_at INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init voiceprint schema: %w", err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context) (*Snapshot, error) {
	var (
		meta    Meta
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_version, model_id, dimension, updated_at FROM meta WHERE id = 1`).
		Scan(&meta.SchemaVersion, &meta.ModelID, &meta.Dimension, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store meta: %w", err)
	}
	if meta.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d, newest supported is %d",
			voiceprint.ErrStoreCorrupt, meta.SchemaVersion, SchemaVersion)
	}
	meta.UpdatedAt = time.Unix(0, updated).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, embedding, fingerprint, enrolled_at FROM voiceprints`)
	if err != nil {
		return nil, fmt.Errorf("read voiceprints: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{Meta: meta, Entries: map[string]Record{}}
	for rows.Next() {
		var (
			rec      Record
			blob     []byte
			enrolled int64
		)
		if err := rows.Scan(&rec.Identity, &blob, &rec.Fingerprint, &enrolled); err != nil {
			return nil, fmt.Errorf("%w: %v", voiceprint.ErrStoreCorrupt, err)
		}
		if rec.Embedding, err = DecodeEmbedding(blob); err != nil {
			return nil, err
		}
		rec.EnrolledAt = time.Unix(0, enrolled).UTC()
		snap.Entries[rec.Identity] = rec
	}
	return snap, rows.Err()
}

func (s *SQLite) Commit(ctx context.Context, next *Snapshot, change Change) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO meta(id, schema_version, model_id, dimension, updated_at) VALUES(1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET schema_version=excluded.schema_version, model_id=excluded.model_id,
		 dimension=excluded.dimension, updated_at=excluded.updated_at`,
		next.Meta.SchemaVersion, next.Meta.ModelID, next.Meta.Dimension, next.Meta.UpdatedAt.UnixNano())
	if err != nil {
		return err
	}

	switch change.Op {
	case OpPut:
		rec := change.Record
		_, err = tx.ExecContext(ctx,
			`INSERT INTO voiceprints(identity, embedding, fingerprint, enrolled_at) VALUES(?, ?, ?, ?)
			 ON CONFLICT(identity) DO UPDATE SET embedding=excluded.embedding,
			 fingerprint=excluded.fingerprint, enrolled_at=excluded.enrolled_at`,
			change.Identity, EncodeEmbedding(rec.Embedding), rec.Fingerprint, rec.EnrolledAt.UnixNano())
	case OpDelete:
		_, err = tx.ExecContext(ctx, `DELETE FROM voiceprints WHERE identity = ?`, change.Identity)
	case OpReset:
		_, err = tx.ExecContext(ctx, `DELETE FROM voiceprints`)
	default:
		err = fmt.Errorf("unknown store change %d", change.Op)
	}
	if err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (s *SQLite) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		err = errors.Join(err, s.lock.Unlock())
		s.lock = nil
	}
	return err
}

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/loqalabs/voicelock/internal/voiceprint"
)

var (
	badgerMetaKey  = []byte("meta")
	badgerVPPrefix = []byte("vp:")
)

// Badger keeps meta and each voiceprint under separate keys in BadgerDB.
type Badger struct {
	db *badger.DB
}

// BadgerOptions configures NewBadger.
type BadgerOptions struct {
	Dir string
	// InMemory runs badger without touching disk.
	InMemory bool
	Logger   *slog.Logger
}

// NewBadger opens the database in opts.Dir.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("store: badger dir is required")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{log: log.With(slog.String("component", "badger"))})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func voiceprintKey(identity string) []byte {
	return append(append([]byte{}, badgerVPPrefix...), identity...)
}

func (b *Badger) Load(context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerMetaKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var meta Meta
		if err := msgpack.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("%w: meta: %v", voiceprint.ErrStoreCorrupt, err)
		}
		if meta.SchemaVersion > SchemaVersion {
			return fmt.Errorf("%w: schema version %d, newest supported is %d",
				voiceprint.ErrStoreCorrupt, meta.SchemaVersion, SchemaVersion)
		}
		snap = &Snapshot{Meta: meta, Entries: map[string]Record{}}

		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = badgerVPPrefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(badgerVPPrefix); it.ValidForPrefix(badgerVPPrefix); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec Record
			if err := msgpack.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("%w: %s: %v", voiceprint.ErrStoreCorrupt, item.Key(), err)
			}
			snap.Entries[rec.Identity] = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (b *Badger) Commit(ctx context.Context, next *Snapshot, change Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	meta, err := msgpack.Marshal(next.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	var rec []byte
	if change.Op == OpPut {
		if rec, err = msgpack.Marshal(change.Record); err != nil {
			return fmt.Errorf("encode voiceprint: %w", err)
		}
	}

	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(badgerMetaKey, meta); err != nil {
			return err
		}
		switch change.Op {
		case OpPut:
			return txn.Set(voiceprintKey(change.Identity), rec)
		case OpDelete:
			return txn.Delete(voiceprintKey(change.Identity))
		case OpReset:
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.PrefetchValues = false
			iterOpts.Prefix = badgerVPPrefix
			it := txn.NewIterator(iterOpts)
			var keys [][]byte
			for it.Seek(badgerVPPrefix); it.ValidForPrefix(badgerVPPrefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		default:
			return fmt.Errorf("unknown store change %d", change.Op)
		}
	})
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger forwards badger's warnings and errors to slog and drops the
// chatty info/debug output.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}

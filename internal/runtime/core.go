package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/voicelock/internal/config"
	"github.com/loqalabs/voicelock/internal/embedding"
	"github.com/loqalabs/voicelock/internal/enroll"
	"github.com/loqalabs/voicelock/internal/eventstore"
	"github.com/loqalabs/voicelock/internal/store"
	"github.com/loqalabs/voicelock/internal/voiceprint"
)

// Core is the enrollment stack shared by the daemon and the admin CLI.
type Core struct {
	Model   embedding.Model
	Pool    *embedding.Pool
	Store   *store.Store
	Audit   *eventstore.Store
	Service *enroll.Service

	closers []func() error
}

// OpenCore loads the model once and opens the voiceprint and audit stores.
// publisher may be nil.
func OpenCore(ctx context.Context, cfg config.Config, publisher enroll.Publisher, logger *slog.Logger) (_ *Core, err error) {
	c := &Core{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if cfg.Matcher.Threshold < voiceprint.RecommendedThreshold {
		logger.Warn("matcher threshold is below the recommended same-speaker cutoff; false accepts are more likely",
			slog.Float64("threshold", cfg.Matcher.Threshold),
			slog.Float64("recommended", voiceprint.RecommendedThreshold))
	}

	c.Model, err = embedding.New(cfg.Embedding, logger.With(slog.String("component", "embedding")))
	if err != nil {
		return nil, fmt.Errorf("load embedding model: %w", err)
	}
	c.closers = append(c.closers, c.Model.Close)

	c.Pool = embedding.NewPool(c.Model, embedding.PoolOptions{
		Workers:     cfg.Embedding.Workers,
		QueueSize:   cfg.Embedding.QueueSize,
		MinDuration: time.Duration(cfg.Audio.MinDurationMS) * time.Millisecond,
		MaxDuration: time.Duration(cfg.Audio.MaxDurationMS) * time.Millisecond,
	}, logger)
	c.closers = append(c.closers, func() error { c.Pool.Close(); return nil })

	storeLog := logger.With(slog.String("component", "store"))
	backend, err := store.OpenBackend(ctx, cfg.Store, storeLog)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	c.Store, err = store.Open(ctx, backend, store.ModelInfo{ID: c.Pool.ModelID(), Dimension: c.Pool.Dimension()}, store.Options{
		AllowModelChange: cfg.Store.AllowModelChange,
		Logger:           storeLog,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}
	c.closers = append(c.closers, c.Store.Close)

	c.Audit, err = eventstore.Open(ctx, cfg.Audit, logger.With(slog.String("component", "audit")))
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	c.closers = append(c.closers, c.Audit.Close)

	hasher, err := voiceprint.NewHasher(c.Pool.Dimension(), cfg.Matcher.HashBits, voiceprint.DefaultHashSeed)
	if err != nil {
		return nil, err
	}

	c.Service = enroll.NewService(c.Pool, c.Store, enroll.Options{
		Matcher:   voiceprint.NewMatcher(cfg.Matcher.Threshold),
		Hasher:    hasher,
		Recorder:  c.Audit,
		Publisher: publisher,
		Logger:    logger,
	})
	return c, nil
}

// Close releases everything in reverse order of acquisition.
func (c *Core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/voicelock/internal/config"
)

// OpenBackend builds the backend named by cfg.Backend.
func OpenBackend(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(cfg.Path)
	case "sqlite":
		return NewSQLite(ctx, cfg.Path)
	case "badger":
		return NewBadger(BadgerOptions{Dir: cfg.Path, Logger: log})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

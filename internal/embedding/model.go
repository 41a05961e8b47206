// Package embedding turns normalized waveforms into speaker embeddings.
//
// A Model is constructed once at startup and shared by every request; the
// Pool runs extractions on a fixed set of worker goroutines so slow model
// calls never occupy request-handling goroutines.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/voicelock/internal/audio"
	"github.com/loqalabs/voicelock/internal/config"
	"github.com/loqalabs/voicelock/internal/voiceprint"
)

// Model maps a mono 16 kHz waveform to a fixed-dimension embedding.
type Model interface {
	Embed(ctx context.Context, wf audio.Waveform) (voiceprint.Embedding, error)
	// Dimension is the length of every embedding the model returns.
	Dimension() int
	// ID names the model version; embeddings from different IDs are not comparable.
	ID() string
	Close() error
}

// New builds the model selected by cfg.Mode.
func New(cfg config.EmbeddingConfig, log *slog.Logger) (Model, error) {
	switch cfg.Mode {
	case "spectral":
		return NewSpectral(cfg.Bands), nil
	case "exec":
		return NewExecModel(cfg, log)
	case "http":
		return NewHTTPModel(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedding mode %q", cfg.Mode)
	}
}

// writeTempWAV stores wf in a temporary WAV file for backends that read
// files. The caller removes the returned path.
func writeTempWAV(wf audio.Waveform) (string, error) {
	file, err := os.CreateTemp("", "voicelock_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	if err := audio.EncodeWAV(file, wf); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("close temp wav: %w", err)
	}
	return file.Name(), nil
}

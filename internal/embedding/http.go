package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/voicelock/internal/audio"
	"github.com/loqalabs/voicelock/internal/config"
	"github.com/loqalabs/voicelock/internal/voiceprint"
)

// httpModel posts WAV samples to an inference sidecar that holds the model.
type httpModel struct {
	endpoint string
	dim      int
	id       string
	client   *http.Client
}

type httpResponse struct {
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewHTTPModel returns a Model backed by cfg.Endpoint.
func NewHTTPModel(cfg config.EmbeddingConfig) Model {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpModel{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		dim:      cfg.Dimension,
		id:       cfg.ModelID,
		client:   &http.Client{Timeout: timeout},
	}
}

func (m *httpModel) Dimension() int { return m.dim }

func (m *httpModel) ID() string { return m.id }

func (m *httpModel) Close() error {
	m.client.CloseIdleConnections()
	return nil
}

func (m *httpModel) Embed(ctx context.Context, wf audio.Waveform) (voiceprint.Embedding, error) {
	path, err := writeTempWAV(wf)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)
	body, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+"/embed", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "audio/wav")
	if m.id != "" {
		req.Header.Set("X-Model-Id", m.id)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out httpResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("embedding sidecar returned status %s", resp.Status)
		}
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, fmt.Errorf("%w: %s", voiceprint.ErrInvalidAudio, out.Error)
	}
	if resp.StatusCode >= 300 || out.Error != "" {
		return nil, fmt.Errorf("embedding sidecar returned status %s: %s", resp.Status, out.Error)
	}
	if out.Model != "" && m.id != "" && out.Model != m.id {
		return nil, fmt.Errorf("%w: sidecar serves %q, configured %q", voiceprint.ErrModelMismatch, out.Model, m.id)
	}
	return voiceprint.Embedding(out.Embedding), nil
}

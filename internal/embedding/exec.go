package embedding

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/voicelock/internal/audio"
	"github.com/loqalabs/voicelock/internal/config"
	"github.com/loqalabs/voicelock/internal/voiceprint"
)

// execModel keeps one model process alive for the life of the service. The
// process receives one JSON request per line on stdin and answers with one
// JSON line on stdout, so the network weights are loaded exactly once.
// Requests are serialized because the process holds unsynchronized state.
type execModel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	dim    int
	id     string
	log    *slog.Logger

	mu     sync.Mutex
	broken error
}

type execRequest struct {
	AudioPath  string `json:"audio_path"`
	SampleRate int    `json:"sample_rate"`
	Model      string `json:"model,omitempty"`
}

type execResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// NewExecModel starts the configured model command.
func NewExecModel(cfg config.EmbeddingConfig, log *slog.Logger) (Model, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse embedding command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("embedding command is empty")
	}
	cmdArgs := append([]string{}, args[1:]...)
	if cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", cfg.ModelPath)
	}

	cmd := exec.Command(args[0], cmdArgs...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("embedding stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("embedding stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start embedding command: %w", err)
	}

	log.Info("embedding model process started",
		slog.String("command", args[0]),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("model_id", cfg.ModelID))

	return &execModel{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 64*1024),
		dim:    cfg.Dimension,
		id:     cfg.ModelID,
		log:    log,
	}, nil
}

func (m *execModel) Dimension() int { return m.dim }

func (m *execModel) ID() string { return m.id }

func (m *execModel) Embed(ctx context.Context, wf audio.Waveform) (voiceprint.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := writeTempWAV(wf)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	line, err := json.Marshal(execRequest{AudioPath: path, SampleRate: wf.SampleRate, Model: m.id})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken != nil {
		return nil, m.broken
	}

	if _, err := m.stdin.Write(append(line, '\n')); err != nil {
		m.broken = fmt.Errorf("embedding process unavailable: %w", err)
		return nil, m.broken
	}
	reply, err := m.readReply(ctx)
	if err != nil {
		return nil, err
	}

	var resp execResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return voiceprint.Embedding(resp.Embedding), nil
}

type execReply struct {
	line []byte
	err  error
}

// readReply waits for the next response line. A process that has not
// answered when ctx ends is killed; its partial output would desynchronize
// every later request. Callers hold m.mu.
func (m *execModel) readReply(ctx context.Context) ([]byte, error) {
	done := make(chan execReply, 1)
	go func() {
		line, err := m.stdout.ReadBytes('\n')
		done <- execReply{line: line, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			m.broken = fmt.Errorf("embedding process unavailable: %w", r.err)
			return nil, m.broken
		}
		return r.line, nil
	case <-ctx.Done():
		if err := m.cmd.Process.Kill(); err != nil {
			m.log.Warn("kill embedding process", slog.String("error", err.Error()))
		}
		m.broken = fmt.Errorf("embedding process killed after a stalled request: %w", ctx.Err())
		m.log.Error("embedding process stopped responding", slog.Int("pid", m.cmd.Process.Pid))
		return nil, ctx.Err()
	}
}

func (m *execModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken == nil {
		m.broken = errors.New("embedding model closed")
	}
	_ = m.stdin.Close()
	err := m.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		m.log.Warn("embedding model process exited", slog.String("error", err.Error()))
		return nil
	}
	return err
}

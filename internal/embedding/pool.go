package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/voicelock/internal/audio"
	"github.com/loqalabs/voicelock/internal/voiceprint"
)

// ErrPoolClosed is returned by Extract after Close.
var ErrPoolClosed = errors.New("embedding pool closed")

// PoolOptions sizes the worker pool and bounds accepted sample length.
type PoolOptions struct {
	Workers     int
	QueueSize   int
	MinDuration time.Duration
	// MaxDuration is ignored when zero.
	MaxDuration time.Duration
}

// Pool runs Model.Embed on a fixed number of worker goroutines.
type Pool struct {
	model Model
	opts  PoolOptions
	jobs  chan job
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	log   *slog.Logger

	latency  metric.Float64Histogram
	failures metric.Int64Counter
}

type job struct {
	ctx    context.Context
	wf     audio.Waveform
	result chan result
}

type result struct {
	emb voiceprint.Embedding
	err error
}

// NewPool starts opts.Workers workers (NumCPU when unset) around model.
func NewPool(model Model, opts PoolOptions, log *slog.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers * 4
	}
	p := &Pool{
		model: model,
		opts:  opts,
		jobs:  make(chan job, opts.QueueSize),
		done:  make(chan struct{}),
		log:   log.With(slog.String("component", "embedding-pool")),
	}
	p.initMetrics()

	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.log.Info("embedding pool started",
		slog.Int("workers", opts.Workers),
		slog.String("model_id", model.ID()),
		slog.Int("dimension", model.Dimension()))
	return p
}

func (p *Pool) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/voicelock/embedding")
	var err error
	p.latency, err = meter.Float64Histogram("voicelock.embedding.duration",
		metric.WithDescription("Embedding extraction latency"),
		metric.WithUnit("s"))
	if err != nil {
		p.log.Warn("failed to create latency histogram", slog.String("error", err.Error()))
	}
	p.failures, err = meter.Int64Counter("voicelock.embedding.failures",
		metric.WithDescription("Embedding extractions that failed"))
	if err != nil {
		p.log.Warn("failed to create failure counter", slog.String("error", err.Error()))
	}
}

// Dimension reports the model's embedding length.
func (p *Pool) Dimension() int { return p.model.Dimension() }

// ModelID reports the model version identifier.
func (p *Pool) ModelID() string { return p.model.ID() }

// Extract validates the sample length and blocks until a worker has embedded
// wf or ctx is done. Model failures are reported as voiceprint.ErrExtraction.
func (p *Pool) Extract(ctx context.Context, wf audio.Waveform) (voiceprint.Embedding, error) {
	if d := wf.Duration(); d < p.opts.MinDuration {
		return nil, fmt.Errorf("%w: %v of audio, need at least %v", voiceprint.ErrInvalidAudio, d.Round(time.Millisecond), p.opts.MinDuration)
	}
	if d := wf.Duration(); p.opts.MaxDuration > 0 && d > p.opts.MaxDuration {
		return nil, fmt.Errorf("%w: %v of audio exceeds %v", voiceprint.ErrInvalidAudio, d.Round(time.Millisecond), p.opts.MaxDuration)
	}

	j := job{ctx: ctx, wf: wf, result: make(chan result, 1)}
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case p.jobs <- j:
	}

	select {
	case r := <-j.result:
		return r.emb, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case j := <-p.jobs:
			if err := j.ctx.Err(); err != nil {
				j.result <- result{err: err}
				continue
			}
			emb, err := p.run(j.ctx, j.wf)
			j.result <- result{emb: emb, err: err}
		}
	}
}

func (p *Pool) run(ctx context.Context, wf audio.Waveform) (voiceprint.Embedding, error) {
	start := time.Now()
	emb, err := p.model.Embed(ctx, wf)
	if err == nil {
		err = p.check(emb)
	}
	elapsed := time.Since(start)

	if err != nil {
		if p.failures != nil {
			p.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("model", p.model.ID())))
		}
		switch {
		case errors.Is(err, voiceprint.ErrInvalidAudio),
			errors.Is(err, voiceprint.ErrModelMismatch),
			errors.Is(err, voiceprint.ErrExtraction),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return nil, err
		}
		p.log.Error("embedding extraction failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed))
		return nil, fmt.Errorf("%w: %v", voiceprint.ErrExtraction, err)
	}
	if p.latency != nil {
		p.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("model", p.model.ID())))
	}
	return emb, nil
}

func (p *Pool) check(emb voiceprint.Embedding) error {
	if len(emb) != p.model.Dimension() {
		return fmt.Errorf("%w: model returned %d dimensions, expected %d", voiceprint.ErrExtraction, len(emb), p.model.Dimension())
	}
	for _, v := range emb {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: model returned non-finite values", voiceprint.ErrExtraction)
		}
	}
	return nil
}

// Close stops the workers. The model itself stays open; its owner closes it.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}

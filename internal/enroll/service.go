// Package enroll implements voiceprint enrollment and verification on top of
// the embedding pool and the voiceprint store.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/voicelock/internal/audio"
	"github.com/loqalabs/voicelock/internal/eventstore"
	"github.com/loqalabs/voicelock/internal/protocol"
	"github.com/loqalabs/voicelock/internal/store"
	"github.com/loqalabs/voicelock/internal/voiceprint"
)

// Extractor turns a normalized waveform into an embedding. *embedding.Pool
// satisfies it.
type Extractor interface {
	Extract(ctx context.Context, wf audio.Waveform) (voiceprint.Embedding, error)
}

// Recorder persists audit events.
type Recorder interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Publisher broadcasts events to other services.
type Publisher interface {
	PublishEvent(ctx context.Context, evt protocol.VoiceEvent) error
}

// Sample is an uploaded audio clip. Format may be empty to sniff the
// container.
type Sample struct {
	Data   []byte
	Format string
}

// Ack acknowledges a registration.
type Ack struct {
	Identity    string
	Fingerprint string
	Replaced    bool
	EnrolledAt  time.Time
}

// Result is the outcome of a verification. Score is reported whether or not
// the sample matched.
type Result struct {
	Identity  string
	Matched   bool
	Score     float64
	Threshold float64
}

// Enrollment describes an enrolled identity without its embedding.
type Enrollment struct {
	Identity    string
	Fingerprint string
	EnrolledAt  time.Time
}

// Status summarizes the service for banners and health output.
type Status struct {
	ModelID   string
	Dimension int
	Enrolled  int
	Threshold float64
}

// Options wires the optional collaborators of a Service.
type Options struct {
	Matcher   voiceprint.Matcher
	Hasher    *voiceprint.Hasher
	Recorder  Recorder
	Publisher Publisher
	Logger    *slog.Logger
}

type Service struct {
	extractor Extractor
	store     *store.Store
	matcher   voiceprint.Matcher
	hasher    *voiceprint.Hasher
	recorder  Recorder
	publisher Publisher
	log       *slog.Logger
	clock     func() time.Time

	tracer    trace.Tracer
	registers metric.Int64Counter
	verifies  metric.Int64Counter
	scores    metric.Float64Histogram
}

func NewService(extractor Extractor, st *store.Store, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		extractor: extractor,
		store:     st,
		matcher:   opts.Matcher,
		hasher:    opts.Hasher,
		recorder:  opts.Recorder,
		publisher: opts.Publisher,
		log:       log.With(slog.String("component", "enroll")),
		clock:     time.Now,
		tracer:    otel.Tracer("github.com/loqalabs/voicelock/enroll"),
	}

	meter := otel.Meter("github.com/loqalabs/voicelock/enroll")
	var err error
	if s.registers, err = meter.Int64Counter("voicelock.register", metric.WithDescription("Registration attempts by outcome")); err != nil {
		s.log.Warn("failed to create register counter", slog.String("error", err.Error()))
	}
	if s.verifies, err = meter.Int64Counter("voicelock.verify", metric.WithDescription("Verification attempts by outcome")); err != nil {
		s.log.Warn("failed to create verify counter", slog.String("error", err.Error()))
	}
	if s.scores, err = meter.Float64Histogram("voicelock.verify.score", metric.WithDescription("Cosine similarity of verification attempts")); err != nil {
		s.log.Warn("failed to create score histogram", slog.String("error", err.Error()))
	}
	if err := s.observeEnrolled(meter); err != nil {
		s.log.Warn("failed to create enrolled gauge", slog.String("error", err.Error()))
	}
	return s
}

func (s *Service) observeEnrolled(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("voicelock.voiceprints.enrolled", metric.WithDescription("Number of enrolled voiceprints"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(s.store.Len()))
		return nil
	}, gauge)
	return err
}

// Register enrolls the speaker in sample under identity, replacing any
// previous voiceprint. Nothing is written when the sample is rejected.
func (s *Service) Register(ctx context.Context, identity string, sample Sample) (Ack, error) {
	reqID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "voicelock.register", trace.WithAttributes(attribute.String("request_id", reqID)))
	defer span.End()
	start := s.clock()

	ack, err := s.register(ctx, identity, sample)

	outcome := eventstore.OutcomeEnrolled
	switch {
	case err != nil:
		outcome = errorOutcome(err)
	case ack.Replaced:
		outcome = eventstore.OutcomeReplaced
	}
	s.count(ctx, s.registers, outcome)
	s.trace(span, outcome, err)

	log := s.log.With(slog.String("request_id", reqID), slog.String("identity", identity), slog.String("outcome", outcome))
	if err != nil {
		s.logFailure(log, "registration failed", err)
		if ack.Identity != "" {
			s.audit(ctx, eventstore.Event{RequestID: reqID, Identity: ack.Identity, Type: eventstore.TypeRegister, Outcome: outcome, Detail: err.Error()})
		}
		return Ack{}, err
	}

	log.Info("voiceprint enrolled",
		slog.String("fingerprint", ack.Fingerprint),
		slog.Bool("replaced", ack.Replaced),
		slog.Duration("elapsed", s.clock().Sub(start)))
	s.audit(ctx, eventstore.Event{RequestID: reqID, Identity: ack.Identity, Type: eventstore.TypeRegister, Outcome: outcome, Fingerprint: ack.Fingerprint})
	s.publish(ctx, protocol.VoiceEvent{RequestID: reqID, Identity: ack.Identity, Kind: protocol.EventEnrolled, Fingerprint: ack.Fingerprint})
	return ack, nil
}

// register returns a partially filled Ack on failure so the caller knows
// whether the identity was valid enough to audit.
func (s *Service) register(ctx context.Context, identity string, sample Sample) (Ack, error) {
	id, err := voiceprint.ValidateIdentity(identity)
	if err != nil {
		return Ack{}, err
	}
	ack := Ack{Identity: id}

	emb, err := s.extract(ctx, sample)
	if err != nil {
		return ack, err
	}
	fp, err := s.fingerprint(emb)
	if err != nil {
		return ack, err
	}

	rec := store.Record{Embedding: emb, Fingerprint: fp, EnrolledAt: s.clock().UTC()}
	replaced, err := s.store.Put(ctx, id, rec)
	if err != nil {
		return ack, err
	}
	ack.Fingerprint = fp
	ack.Replaced = replaced
	ack.EnrolledAt = rec.EnrolledAt
	return ack, nil
}

// Verify scores sample against the voiceprint enrolled under identity. An
// identity with no voiceprint fails with voiceprint.ErrUnknownUser before the
// sample is decoded.
func (s *Service) Verify(ctx context.Context, identity string, sample Sample) (Result, error) {
	reqID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "voicelock.verify", trace.WithAttributes(attribute.String("request_id", reqID)))
	defer span.End()
	start := s.clock()

	res, err := s.verify(ctx, identity, sample)

	outcome := eventstore.OutcomeNoMatch
	switch {
	case err != nil:
		outcome = errorOutcome(err)
	case res.Matched:
		outcome = eventstore.OutcomeMatch
	}
	s.count(ctx, s.verifies, outcome)
	s.trace(span, outcome, err)

	log := s.log.With(slog.String("request_id", reqID), slog.String("identity", identity), slog.String("outcome", outcome))
	if err != nil {
		s.logFailure(log, "verification failed", err)
		if res.Identity != "" {
			s.audit(ctx, eventstore.Event{RequestID: reqID, Identity: res.Identity, Type: eventstore.TypeVerify, Outcome: outcome, Detail: err.Error()})
		}
		return Result{}, err
	}

	span.SetAttributes(attribute.Float64("score", res.Score))
	if s.scores != nil {
		s.scores.Record(ctx, res.Score)
	}
	log.Info("voiceprint verified",
		slog.Bool("matched", res.Matched),
		slog.Float64("score", res.Score),
		slog.Float64("threshold", res.Threshold),
		slog.Duration("elapsed", s.clock().Sub(start)))
	s.audit(ctx, eventstore.Event{RequestID: reqID, Identity: res.Identity, Type: eventstore.TypeVerify, Outcome: outcome, Score: res.Score})
	s.publish(ctx, protocol.VoiceEvent{RequestID: reqID, Identity: res.Identity, Kind: protocol.EventVerified, Matched: res.Matched, Score: res.Score})
	return res, nil
}

func (s *Service) verify(ctx context.Context, identity string, sample Sample) (Result, error) {
	id, err := voiceprint.ValidateIdentity(identity)
	if err != nil {
		return Result{}, err
	}
	rec, ok := s.store.Get(id)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", voiceprint.ErrUnknownUser, id)
	}
	res := Result{Identity: id, Threshold: s.matcher.Threshold}

	emb, err := s.extract(ctx, sample)
	if err != nil {
		return res, err
	}
	if len(emb) != len(rec.Embedding) {
		return res, fmt.Errorf("%w: sample has %d dimensions, voiceprint has %d", voiceprint.ErrModelMismatch, len(emb), len(rec.Embedding))
	}
	res.Score, res.Matched = s.matcher.Score(emb, rec.Embedding)
	return res, nil
}

// Delete removes the voiceprint enrolled under identity.
func (s *Service) Delete(ctx context.Context, identity string) error {
	reqID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "voicelock.delete", trace.WithAttributes(attribute.String("request_id", reqID)))
	defer span.End()

	id, err := voiceprint.ValidateIdentity(identity)
	if err == nil {
		err = s.store.Delete(ctx, id)
	}
	outcome := eventstore.OutcomeDeleted
	if err != nil {
		outcome = errorOutcome(err)
	}
	s.trace(span, outcome, err)

	log := s.log.With(slog.String("request_id", reqID), slog.String("identity", identity), slog.String("outcome", outcome))
	if err != nil {
		s.logFailure(log, "delete failed", err)
		return err
	}
	log.Info("voiceprint deleted")
	s.audit(ctx, eventstore.Event{RequestID: reqID, Identity: id, Type: eventstore.TypeDelete, Outcome: outcome})
	s.publish(ctx, protocol.VoiceEvent{RequestID: reqID, Identity: id, Kind: protocol.EventDeleted})
	return nil
}

// List returns enrolled identities sorted by name.
func (s *Service) List() []Enrollment {
	records := s.store.List()
	out := make([]Enrollment, 0, len(records))
	for _, rec := range records {
		out = append(out, Enrollment{Identity: rec.Identity, Fingerprint: rec.Fingerprint, EnrolledAt: rec.EnrolledAt})
	}
	return out
}

func (s *Service) Status() Status {
	meta := s.store.Load().Meta
	return Status{
		ModelID:   meta.ModelID,
		Dimension: meta.Dimension,
		Enrolled:  s.store.Len(),
		Threshold: s.matcher.Threshold,
	}
}

func (s *Service) extract(ctx context.Context, sample Sample) (voiceprint.Embedding, error) {
	if len(sample.Data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", voiceprint.ErrInvalidAudio)
	}
	wf, err := audio.Decode(sample.Data, sample.Format)
	if err != nil {
		return nil, err
	}
	return s.extractor.Extract(ctx, wf)
}

func (s *Service) fingerprint(emb voiceprint.Embedding) (string, error) {
	if s.hasher == nil {
		return "", nil
	}
	return s.hasher.Fingerprint(emb)
}

func (s *Service) count(ctx context.Context, counter metric.Int64Counter, outcome string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (s *Service) trace(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil && outcome == eventstore.OutcomeError {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (s *Service) logFailure(log *slog.Logger, msg string, err error) {
	if IsClientError(err) {
		log.Info(msg, slog.String("error", err.Error()))
		return
	}
	log.Error(msg, slog.String("error", err.Error()))
}

func (s *Service) audit(ctx context.Context, evt eventstore.Event) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.AppendEvent(ctx, evt); err != nil {
		s.log.Warn("failed to record audit event",
			slog.String("request_id", evt.RequestID),
			slog.String("error", err.Error()))
	}
}

func (s *Service) publish(ctx context.Context, evt protocol.VoiceEvent) {
	if s.publisher == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock().UTC()
	}
	if err := s.publisher.PublishEvent(ctx, evt); err != nil {
		s.log.Warn("failed to publish voice event",
			slog.String("kind", evt.Kind),
			slog.String("error", err.Error()))
	}
}

func errorOutcome(err error) string {
	if IsClientError(err) {
		return eventstore.OutcomeRejected
	}
	return eventstore.OutcomeError
}

// IsClientError reports whether err was caused by the request rather than
// the service.
func IsClientError(err error) bool {
	return errors.Is(err, voiceprint.ErrInvalidAudio) ||
		errors.Is(err, voiceprint.ErrInvalidIdentity) ||
		errors.Is(err, voiceprint.ErrUnknownUser)
}

package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/voicelock/internal/enroll"
	"github.com/loqalabs/voicelock/internal/protocol"
)

// Enroller is the part of enroll.Service exposed on the bus.
type Enroller interface {
	Register(ctx context.Context, identity string, sample enroll.Sample) (enroll.Ack, error)
	Verify(ctx context.Context, identity string, sample enroll.Sample) (enroll.Result, error)
}

// Serve answers register and verify requests in queue group queue until the
// returned stop function is called. Each request runs with timeout.
func (c *Client) Serve(ctx context.Context, svc Enroller, queue string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := c.log.With(slog.String("component", "bus-service"))

	register, err := c.conn.QueueSubscribe(protocol.SubjectRegister, queue, func(msg *nats.Msg) {
		var req protocol.RegisterRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			respond(log, msg, protocol.RegisterReply{Status: "error", Error: "malformed request", Code: "bad_request"})
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ack, err := svc.Register(reqCtx, req.Identity, enroll.Sample{Data: req.Audio, Format: req.Format})
		if err != nil {
			respond(log, msg, protocol.RegisterReply{Status: "error", Error: err.Error(), Code: enroll.Code(err)})
			return
		}
		respond(log, msg, protocol.RegisterReply{
			Status:      "success",
			Message:     "voiceprint registered for " + ack.Identity,
			Fingerprint: ack.Fingerprint,
			Replaced:    ack.Replaced,
		})
	})
	if err != nil {
		return nil, err
	}

	verify, err := c.conn.QueueSubscribe(protocol.SubjectVerify, queue, func(msg *nats.Msg) {
		var req protocol.VerifyRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			respond(log, msg, protocol.VerifyReply{Error: "malformed request", Code: "bad_request"})
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		res, err := svc.Verify(reqCtx, req.Identity, enroll.Sample{Data: req.Audio, Format: req.Format})
		if err != nil {
			respond(log, msg, protocol.VerifyReply{Error: err.Error(), Code: enroll.Code(err)})
			return
		}
		respond(log, msg, protocol.VerifyReply{Match: res.Matched, Similarity: res.Score, Threshold: res.Threshold})
	})
	if err != nil {
		_ = register.Unsubscribe()
		return nil, err
	}

	log.Info("bus service subscribed",
		slog.String("register", protocol.SubjectRegister),
		slog.String("verify", protocol.SubjectVerify),
		slog.String("queue", queue))

	return func() {
		_ = register.Drain()
		_ = verify.Drain()
	}, nil
}

func respond(log *slog.Logger, msg *nats.Msg, reply any) {
	data, err := json.Marshal(reply)
	if err != nil {
		log.Error("encode bus reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Warn("failed to send bus reply", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
	}
}

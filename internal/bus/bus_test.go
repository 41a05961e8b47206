package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/voicelock/internal/config"
	"github.com/loqalabs/voicelock/internal/enroll"
	"github.com/loqalabs/voicelock/internal/natsserver"
	"github.com/loqalabs/voicelock/internal/protocol"
	"github.com/loqalabs/voicelock/internal/voiceprint"
)

type fakeEnroller struct{}

func (fakeEnroller) Register(_ context.Context, identity string, sample enroll.Sample) (enroll.Ack, error) {
	if len(sample.Data) == 0 {
		return enroll.Ack{}, fmt.Errorf("%w: empty upload", voiceprint.ErrInvalidAudio)
	}
	// carol is already enrolled.
	return enroll.Ack{Identity: identity, Fingerprint: "BEEF", Replaced: identity == "carol"}, nil
}

func (fakeEnroller) Verify(_ context.Context, identity string, _ enroll.Sample) (enroll.Result, error) {
	if identity != "alice" {
		return enroll.Result{}, voiceprint.ErrUnknownUser
	}
	return enroll.Result{Identity: identity, Matched: true, Score: 0.93, Threshold: 0.45}, nil
}

func startBus(t *testing.T) *Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func request(t *testing.T, client *Client, subject string, req, reply any) {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := client.Conn().Request(subject, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
}

func TestServeRegisterAndVerify(t *testing.T) {
	client := startBus(t)
	stop, err := client.Serve(context.Background(), fakeEnroller{}, "voicelock", time.Second)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer stop()

	var reg protocol.RegisterReply
	request(t, client, protocol.SubjectRegister, protocol.RegisterRequest{Identity: "alice", Audio: []byte{1, 2}}, &reg)
	if reg.Status != "success" || reg.Fingerprint != "BEEF" || reg.Replaced {
		t.Fatalf("unexpected register reply %+v", reg)
	}

	var again protocol.RegisterReply
	request(t, client, protocol.SubjectRegister, protocol.RegisterRequest{Identity: "carol", Audio: []byte{1, 2}}, &again)
	if again.Status != "success" || !again.Replaced {
		t.Fatalf("expected replaced register reply, got %+v", again)
	}

	request(t, client, protocol.SubjectRegister, protocol.RegisterRequest{Identity: "alice"}, &reg)
	if reg.Status != "error" || reg.Code != enroll.CodeInvalidAudio {
		t.Fatalf("expected invalid audio reply, got %+v", reg)
	}

	var ver protocol.VerifyReply
	request(t, client, protocol.SubjectVerify, protocol.VerifyRequest{Identity: "alice", Audio: []byte{1}}, &ver)
	if !ver.Match || ver.Similarity != 0.93 || ver.Threshold != 0.45 {
		t.Fatalf("unexpected verify reply %+v", ver)
	}

	ver = protocol.VerifyReply{}
	request(t, client, protocol.SubjectVerify, protocol.VerifyRequest{Identity: "bob", Audio: []byte{1}}, &ver)
	if ver.Code != enroll.CodeUnknownUser || ver.Match {
		t.Fatalf("expected unknown user reply, got %+v", ver)
	}
}

func TestPublishEvent(t *testing.T) {
	client := startBus(t)
	if err := client.EnsureEventStream(time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}

	msgs := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.EventSubject(protocol.EventEnrolled), msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	evt := protocol.VoiceEvent{RequestID: "req-1", Identity: "alice", Kind: protocol.EventEnrolled, Timestamp: time.Now().UTC()}
	if err := client.PublishEvent(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-msgs:
		var got protocol.VoiceEvent
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if got.Identity != "alice" || got.RequestID != "req-1" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/voicelock/internal/config"
	"github.com/loqalabs/voicelock/internal/protocol"
)

// EventStream is the JetStream stream that retains voice events.
const EventStream = "VOICELOCK_EVENTS"

// Client wraps NATS connection and JetStream context with minimal helpers.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	log    *slog.Logger
	stream bool
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("voicelock"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		js:   js,
		log:  log,
	}, nil
}

// EnsureEventStream creates the event stream when the server has JetStream.
// Events are still published on core NATS when it does not.
func (c *Client) EnsureEventStream(maxAge time.Duration) error {
	_, err := c.js.StreamInfo(EventStream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:     EventStream,
			Subjects: []string{protocol.SubjectEventPrefix + ".>"},
			MaxAge:   maxAge,
		})
	}
	if err != nil {
		return fmt.Errorf("ensure event stream: %w", err)
	}
	c.stream = true
	return nil
}

// PublishEvent broadcasts evt on its event subject.
func (c *Client) PublishEvent(ctx context.Context, evt protocol.VoiceEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	subject := protocol.EventSubject(evt.Kind)
	if c.stream {
		_, err = c.js.Publish(subject, data, nats.Context(ctx))
		return err
	}
	return c.conn.Publish(subject, data)
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

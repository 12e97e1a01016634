package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/gameclient/pkg/errs"
)

// NATSConfig parameterizes the broker-backed transport. Some server
// deployments front the game stream with a NATS cluster instead of a
// direct websocket; the envelope model is identical.
type NATSConfig struct {
	URL string // e.g. nats://localhost:4222
	// SubjectPrefix namespaces the per-client subjects. Default "game".
	SubjectPrefix string
	// ClientID distinguishes this client's inbound subject. Required.
	ClientID string
	// InboundBuffer sizes the delivery channel. Default 1024.
	InboundBuffer int
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "game"
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 1024
	}
	return c
}

func (c NATSConfig) ingressSubject() string {
	return fmt.Sprintf("%s.server.ingress", c.SubjectPrefix)
}

func (c NATSConfig) clientSubject() string {
	return fmt.Sprintf("%s.client.%s", c.SubjectPrefix, c.ClientID)
}

// NATSTransport carries envelopes over NATS subjects: outbound messages
// publish to the server ingress subject (with the client's reply subject
// in the envelope routing header), inbound messages arrive on the
// per-client subject. NATS preserves per-subject publish order, which
// satisfies the ordered-delivery contract.
type NATSTransport struct {
	cfg    NATSConfig
	logger zerolog.Logger

	conn    *nats.Conn
	sub     *nats.Subscription
	inbound chan *nats.Msg
}

// NewNATSTransport builds an undialed NATS transport.
func NewNATSTransport(cfg NATSConfig, logger zerolog.Logger) *NATSTransport {
	cfg = cfg.withDefaults()
	return &NATSTransport{
		cfg:    cfg,
		logger: logger.With().Str("component", "nats_transport").Str("url", cfg.URL).Logger(),
	}
}

// NATSFactory adapts NewNATSTransport to the Factory shape.
func NATSFactory(cfg NATSConfig, logger zerolog.Logger) Factory {
	return func() Transport { return NewNATSTransport(cfg, logger) }
}

// Dial connects to the cluster and subscribes the client subject.
func (t *NATSTransport) Dial(ctx context.Context) error {
	const op = "transport.nats_dial"
	if t.cfg.ClientID == "" {
		return errs.New(errs.KindConfig, op, "nats transport requires a client id")
	}
	conn, err := nats.Connect(t.cfg.URL,
		nats.Name("gameclient-"+t.cfg.ClientID),
		nats.MaxReconnects(0), // reconnection is owned by the connection manager
	)
	if err != nil {
		return errs.Wrap(errs.KindServerUnavailable, op, err)
	}
	inbound := make(chan *nats.Msg, t.cfg.InboundBuffer)
	sub, err := conn.ChanSubscribe(t.cfg.clientSubject(), inbound)
	if err != nil {
		conn.Close()
		return errs.Wrap(errs.KindServerUnavailable, op, err)
	}
	t.conn = conn
	t.sub = sub
	t.inbound = inbound
	t.logger.Debug().Str("subject", t.cfg.clientSubject()).Msg("nats connected")
	return nil
}

// Send publishes one envelope to the server ingress subject.
func (t *NATSTransport) Send(ctx context.Context, msg *Message) error {
	const op = "transport.nats_send"
	if t.conn == nil || t.conn.IsClosed() {
		return errs.New(errs.KindConnectionLost, op, "not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errs.Wrap(errs.KindDecode, op, err)
	}
	m := &nats.Msg{
		Subject: t.cfg.ingressSubject(),
		Reply:   t.cfg.clientSubject(),
		Data:    data,
	}
	if err := t.conn.PublishMsg(m); err != nil {
		return errs.Wrap(errs.KindConnectionLost, op, err)
	}
	return nil
}

// Receive blocks for the next inbound envelope.
func (t *NATSTransport) Receive(ctx context.Context) (*Message, error) {
	const op = "transport.nats_receive"
	if t.inbound == nil {
		return nil, errs.New(errs.KindConnectionLost, op, "not connected")
	}
	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindTimeout, op, ctx.Err())
	case m, ok := <-t.inbound:
		if !ok {
			return nil, errs.New(errs.KindConnectionLost, op, "subscription closed")
		}
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return nil, errs.Wrap(errs.KindDecode, op, err)
		}
		if msg.Type == "" {
			return nil, errs.New(errs.KindProtocolMismatch, op, "envelope missing type")
		}
		return &msg, nil
	}
}

// Close drains the subscription and closes the connection. Idempotent.
func (t *NATSTransport) Close() error {
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
		t.sub = nil
	}
	if t.conn != nil && !t.conn.IsClosed() {
		t.conn.Close()
	}
	return nil
}

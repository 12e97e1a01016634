package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/gameclient/pkg/errs"
)

// WSConfig parameterizes the websocket transport.
type WSConfig struct {
	Host string
	Port int
	Path string // default "/ws"
	SSL  bool

	// HandshakeTimeout bounds the dial, independent of the caller ctx.
	HandshakeTimeout time.Duration // default 10s
	// WriteTimeout is the per-frame write deadline when the caller ctx
	// has none.
	WriteTimeout time.Duration // default 10s
	// MaxMessageSize caps inbound frames. Default 4MB.
	MaxMessageSize int64
}

func (c WSConfig) withDefaults() WSConfig {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4 << 20
	}
	return c
}

// URL renders the websocket endpoint.
func (c WSConfig) URL() string {
	scheme := "ws"
	if c.SSL {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port)), Path: c.Path}
	return u.String()
}

// WSTransport carries envelopes as JSON text frames over a websocket.
// One concurrent sender and one concurrent receiver are supported; a
// write mutex serializes frames so submission order is preserved.
type WSTransport struct {
	cfg    WSConfig
	logger zerolog.Logger

	mu      sync.Mutex // guards conn pointer and writes
	conn    *websocket.Conn
	closed  bool
	dialer  *websocket.Dialer
	headers map[string][]string
}

// NewWSTransport builds an undialed websocket transport.
func NewWSTransport(cfg WSConfig, logger zerolog.Logger) *WSTransport {
	cfg = cfg.withDefaults()
	return &WSTransport{
		cfg:    cfg,
		logger: logger.With().Str("component", "ws_transport").Str("url", cfg.URL()).Logger(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// WSFactory adapts NewWSTransport to the Factory shape.
func WSFactory(cfg WSConfig, logger zerolog.Logger) Factory {
	return func() Transport { return NewWSTransport(cfg, logger) }
}

// Dial connects and configures frame limits and pong handling.
func (t *WSTransport) Dial(ctx context.Context) error {
	const op = "transport.ws_dial"
	conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL(), t.headers)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindTimeout, op, ctx.Err())
		}
		return errs.Wrap(errs.KindServerUnavailable, op, err)
	}
	conn.SetReadLimit(t.cfg.MaxMessageSize)
	conn.SetPingHandler(func(appData string) error {
		// Answer transport-level pings inline; deadline comes from the
		// caller of Receive.
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(t.cfg.WriteTimeout))
	})

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	t.mu.Unlock()
	t.logger.Debug().Msg("websocket connected")
	return nil
}

// Send writes one envelope as a JSON text frame.
func (t *WSTransport) Send(ctx context.Context, msg *Message) error {
	const op = "transport.ws_send"
	data, err := json.Marshal(msg)
	if err != nil {
		return errs.Wrap(errs.KindDecode, op, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.closed {
		return errs.New(errs.KindConnectionLost, op, "not connected")
	}
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return t.classify(op, err)
	}
	return nil
}

// Receive blocks for the next frame and decodes it.
func (t *WSTransport) Receive(ctx context.Context) (*Message, error) {
	const op = "transport.ws_receive"
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if conn == nil || closed {
		return nil, errs.New(errs.KindConnectionLost, op, "not connected")
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, t.classify(op, err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errs.Wrap(errs.KindDecode, op, err)
	}
	if msg.Type == "" {
		return nil, errs.New(errs.KindProtocolMismatch, op, "envelope missing type")
	}
	return &msg, nil
}

// classify translates raw websocket errors into the taxonomy.
func (t *WSTransport) classify(op string, err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errs.Wrap(errs.KindTimeout, op, err)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return errs.Wrap(errs.KindConnectionLost, op, err)
	}
	return errs.Wrap(errs.KindConnectionLost, op, err)
}

// Close tears the socket down. Idempotent.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.conn == nil {
		t.closed = true
		return nil
	}
	t.closed = true
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown"), deadline)
	err := t.conn.Close()
	t.conn = nil
	return err
}

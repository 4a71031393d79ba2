package exporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/codec"
	"github.com/selivandex/telemetry-bridge/internal/telemetry"
	"github.com/selivandex/telemetry-bridge/internal/transport"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
	"github.com/selivandex/telemetry-bridge/pkg/models"
)

// ErrReconnectPending is returned while the forwarder waits out its reconnect delay
var ErrReconnectPending = errors.New("forwarder waiting to reconnect")

// ForwarderConfig configures the websocket connection to a remote bridge
type ForwarderConfig struct {
	URL            string
	Binary         bool
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
	// HandshakeTimeout bounds each dial, which holds the forwarder lock
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
}

// Forwarder streams every envelope it receives to a remote ingest endpoint,
// one frame per envelope. A dropped connection is redialed on the next
// envelope once ReconnectDelay has passed since the last failure.
type Forwarder struct {
	cfg    ForwarderConfig
	format codec.Format

	mu       sync.Mutex
	conn     *websocket.Conn
	lastFail time.Time
	closed   bool
	subs     []*transport.Subscription[models.Envelope]
}

// NewForwarder creates a forwarder. It does not dial until the first envelope.
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = cfg.HandshakeTimeout
		cfg.Dialer = &d
	}

	f := &Forwarder{cfg: cfg, format: codec.JSON}
	if cfg.Binary {
		f.format = codec.CBOR
	}
	return f
}

// Subscribe forwards everything published on ch
func (f *Forwarder) Subscribe(ch *transport.Channel[models.Envelope]) {
	sub := ch.Subscribe(f.Handle)

	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
}

// Handle writes one envelope. Errors go back to the channel, which logs them.
func (f *Forwarder) Handle(ctx context.Context, env models.Envelope) error {
	frame, err := codec.EncodeEnvelope(f.format, env)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	conn, err := f.connectLocked(ctx)
	if err != nil {
		return err
	}

	msgType := websocket.TextMessage
	if f.format == codec.CBOR {
		msgType = websocket.BinaryMessage
	}

	deadline := time.Now().Add(f.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)

	if err := conn.WriteMessage(msgType, frame); err != nil {
		f.dropLocked(conn)
		return fmt.Errorf("forward to %s: %w", f.cfg.URL, err)
	}

	telemetry.IncrCounter([]string{"forwarder", "sent"}, 1,
		telemetry.Label{Name: "kind", Value: string(env.Kind)})
	return nil
}

func (f *Forwarder) connectLocked(ctx context.Context) (*websocket.Conn, error) {
	if f.closed {
		return nil, errors.New("forwarder is closed")
	}
	if f.conn != nil {
		return f.conn, nil
	}
	if !f.lastFail.IsZero() && time.Since(f.lastFail) < f.cfg.ReconnectDelay {
		return nil, ErrReconnectPending
	}

	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := f.cfg.Dialer.DialContext(dialCtx, f.cfg.URL, nil)
	if err != nil {
		f.lastFail = time.Now()
		return nil, fmt.Errorf("failed to connect to %s: %w", f.cfg.URL, err)
	}

	f.conn = conn
	go f.readMessages(conn)

	logger.Info("forwarder connected",
		zap.String("url", f.cfg.URL),
		zap.String("format", f.format.String()),
	)
	return conn, nil
}

// readMessages discards inbound frames and notices when the peer goes away
func (f *Forwarder) readMessages(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.mu.Lock()
			closed := f.closed
			f.dropLocked(conn)
			f.mu.Unlock()

			if !closed {
				logger.Warn("forwarder connection lost",
					zap.String("url", f.cfg.URL),
					zap.Error(err),
				)
			}
			return
		}
	}
}

func (f *Forwarder) dropLocked(conn *websocket.Conn) {
	if f.conn != conn {
		return
	}
	conn.Close()
	f.conn = nil
	f.lastFail = time.Now()
}

// Connected reports whether a connection is currently open
func (f *Forwarder) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}

// Close unsubscribes and closes the connection with a normal close frame
func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	for _, sub := range f.subs {
		sub.Unsubscribe()
	}
	f.subs = nil

	if f.conn == nil {
		return nil
	}
	conn := f.conn
	f.conn = nil

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}

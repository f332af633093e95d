// Package websocket implements transport.Transport over a gorilla/websocket
// client connection to the coordinator.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/custodia-network/mpc-wallet-client/mpc/transport"
)

// Config holds the websocket transport settings.
type Config struct {
	// URL is the coordinator websocket endpoint (ws:// or wss://).
	URL string
	// DialTimeout bounds the initial dial (default 15s).
	DialTimeout time.Duration
	// WriteTimeout bounds each outbound write (default 10s).
	WriteTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Transport implements transport.Transport on a single websocket connection.
type Transport struct {
	cfg    Config
	logger zerolog.Logger

	handlerMu sync.RWMutex
	handler   transport.Handler
	onClose   transport.CloseHandler

	mu      sync.Mutex // guards conn, closed and writes
	conn    *websocket.Conn
	closed  bool
	writeMu sync.Mutex
}

// New creates a websocket transport.
func New(cfg Config, logger zerolog.Logger) *Transport {
	cfg.setDefaults()
	return &Transport{
		cfg:    cfg,
		logger: logger.With().Str("component", "ws_transport").Logger(),
	}
}

// RegisterHandler implements transport.Transport.
func (t *Transport) RegisterHandler(handler transport.Handler) error {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	if t.handler != nil {
		return errors.New("websocket transport: handler already registered")
	}
	t.handler = handler
	return nil
}

// SetCloseHandler implements transport.Transport.
func (t *Transport) SetCloseHandler(onClose transport.CloseHandler) {
	t.handlerMu.Lock()
	t.onClose = onClose
	t.handlerMu.Unlock()
}

// Connect implements transport.Transport. It dials the coordinator and starts
// the read pump.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return errors.New("websocket transport: already connected")
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.cfg.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to dial %s", t.cfg.URL)
	}

	t.conn = conn
	t.closed = false
	go t.readPump(conn)

	t.logger.Debug().Str("url", t.cfg.URL).Msg("websocket connected")
	return nil
}

// Send implements transport.Transport.
func (t *Transport) Send(_ context.Context, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("websocket transport: not connected")
	}

	// gorilla allows one concurrent writer; serialize here.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return errors.Wrap(err, "failed to set write deadline")
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	alreadyClosed := t.closed
	t.closed = true
	t.mu.Unlock()

	if conn == nil || alreadyClosed {
		return nil
	}

	// Best-effort close handshake before dropping the socket.
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

func (t *Transport) readPump(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			expected := t.closed
			t.closed = true
			t.conn = nil
			t.mu.Unlock()

			if !expected {
				t.logger.Warn().Err(err).Msg("websocket connection dropped")
				t.handlerMu.RLock()
				onClose := t.onClose
				t.handlerMu.RUnlock()
				if onClose != nil {
					onClose(err)
				}
			}
			return
		}

		t.handlerMu.RLock()
		handler := t.handler
		t.handlerMu.RUnlock()
		if handler != nil {
			handler(payload)
		}
	}
}

var _ transport.Transport = (*Transport)(nil)

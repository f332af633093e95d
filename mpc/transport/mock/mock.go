// Package mock is a scriptable in-memory transport used by session tests and
// local demos.
package mock

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/custodia-network/mpc-wallet-client/mpc/transport"
)

// Transport records outbound payloads and lets tests inject inbound ones.
type Transport struct {
	mu        sync.Mutex
	connected bool
	handler   transport.Handler
	onClose   transport.CloseHandler
	sent      [][]byte

	// ConnectErr, when set, is returned by Connect.
	ConnectErr error
	// SendErr, when set, is returned by Send.
	SendErr error
	// OnSend, when set, observes every successful Send (called without locks).
	OnSend func(payload []byte)
}

// New creates a mock transport.
func New() *Transport {
	return &Transport{}
}

// Connect implements transport.Transport.
func (t *Transport) Connect(_ context.Context) error {
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Send implements transport.Transport.
func (t *Transport) Send(_ context.Context, payload []byte) error {
	if t.SendErr != nil {
		return t.SendErr
	}
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return errors.New("mock transport: not connected")
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	t.sent = append(t.sent, buf)
	onSend := t.OnSend
	t.mu.Unlock()

	if onSend != nil {
		onSend(buf)
	}
	return nil
}

// RegisterHandler implements transport.Transport.
func (t *Transport) RegisterHandler(handler transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler != nil {
		return errors.New("mock transport: handler already registered")
	}
	t.handler = handler
	return nil
}

// SetCloseHandler implements transport.Transport.
func (t *Transport) SetCloseHandler(onClose transport.CloseHandler) {
	t.mu.Lock()
	t.onClose = onClose
	t.mu.Unlock()
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

// Deliver injects an inbound payload as if received from the coordinator.
// Delivery is synchronous: the handler has returned when Deliver returns.
func (t *Transport) Deliver(payload []byte) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler(payload)
	}
}

// Drop simulates an unexpected connection loss.
func (t *Transport) Drop(err error) {
	t.mu.Lock()
	t.connected = false
	onClose := t.onClose
	t.mu.Unlock()
	if onClose != nil {
		onClose(err)
	}
}

// Sent returns copies of every payload sent so far.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	for i, p := range t.sent {
		buf := make([]byte, len(p))
		copy(buf, p)
		out[i] = buf
	}
	return out
}

// SentCount returns how many payloads were sent.
func (t *Transport) SentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

var _ transport.Transport = (*Transport)(nil)

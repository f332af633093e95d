// Package transport abstracts the message channel between the wallet client
// and the custodian coordinator.
package transport

import "context"

// Handler receives raw inbound payloads. The transport delivers payloads
// sequentially, one at a time, in arrival order.
type Handler func(payload []byte)

// CloseHandler is invoked once if the connection drops unexpectedly. It is
// not invoked for a local Close.
type CloseHandler func(err error)

// Transport is a single connection to the coordinator.
type Transport interface {
	// Connect opens the connection. It returns once the transport is usable
	// or with the dial error.
	Connect(ctx context.Context) error
	// Send delivers one payload to the coordinator.
	Send(ctx context.Context, payload []byte) error
	// RegisterHandler installs the inbound payload callback (once, before Connect).
	RegisterHandler(Handler) error
	// SetCloseHandler installs the unexpected-close callback.
	SetCloseHandler(CloseHandler)
	// Close tears the connection down. Idempotent.
	Close() error
}

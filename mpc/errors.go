// Package mpc holds the types shared by the threshold-ECDSA protocol engine:
// the error taxonomy surfaced to callers and the results of completed
// operations. The engine itself lives in the subpackages (session, bridge,
// sharecrypto, sharestore, transport).
package mpc

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed rejects every operation pending when the transport is
	// torn down, and any operation attempted while disconnected.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrAuthTimeout means the coordinator did not answer an auth request in time.
	ErrAuthTimeout = errors.New("authentication timed out")

	// ErrAuthRejected means the coordinator explicitly refused the auth token.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrProtocolTimeout means a DKG or signing round loop exceeded its bound.
	// The remote may still be working; the session stays authenticated.
	ErrProtocolTimeout = errors.New("protocol timed out")

	// ErrOperationPending guards the single pending-operation slot: a second
	// concurrent operation fails fast, before anything is sent.
	ErrOperationPending = errors.New("another operation is already pending")

	// ErrInvalidSessionState rejects an operation issued from the wrong state,
	// e.g. StartDKG before Authenticate.
	ErrInvalidSessionState = errors.New("invalid session state for operation")
)

// ProtocolError is an explicit failure reported by the remote party or by the
// primitive module for a single operation. It is operation-scoped: the session
// reverts to authenticated and stays connected.
type ProtocolError struct {
	Op      string // "auth", "dkg" or "signing"
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("protocol error: %s", e.Message)
	}
	return fmt.Sprintf("protocol error (%s): %s", e.Op, e.Message)
}

// IsProtocolError reports whether err carries a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

package relay

import (
	"errors"
	"fmt"
)

// Domain errors for the relay package.
var (
	// ErrNotConnected is returned when an operation requires an established
	// link but the connection is not in the connected state.
	ErrNotConnected = errors.New("relay: not connected")

	// ErrNotDisconnected is returned by Connect when a connection loop is
	// already running on this instance.
	ErrNotDisconnected = errors.New("relay: connection loop already running")

	// ErrDisconnected fails pending calls whose reply can no longer arrive
	// because the link dropped.
	ErrDisconnected = errors.New("relay: disconnected before reply")
)

// ServerError is an application-level failure attached to a specific call.
// It carries the machine-readable code from a peer error reply, or the
// discard code when a queued message was evicted before sending.
type ServerError struct {
	// Code is the machine-readable error code.
	Code string

	// Message is an optional human-readable detail.
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay: server error: %s", e.Code)
	}
	return fmt.Sprintf("relay: server error: %s: %s", e.Code, e.Message)
}

// Timeout reports whether the peer signalled a timeout for this call.
func (e *ServerError) Timeout() bool {
	return e.Code == "timeout"
}

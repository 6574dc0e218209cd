package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection marks a connection that never opened or closed
	// unexpectedly. It is recovered automatically through backoff.
	ErrConnection = errors.New("transport: connection failed")

	// ErrExhausted is surfaced once every reconnect attempt has failed.
	ErrExhausted = errors.New("transport: reconnect attempts exhausted")

	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("transport: manager disconnected")
)

// ConnectionError describes one failed connection attempt.
type ConnectionError struct {
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connection attempt %d failed: %v", e.Attempt, e.Err)
}

// Unwrap lets errors.Is match both ErrConnection and the dial cause.
func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

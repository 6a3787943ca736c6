package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is the kind of every per-connection delivery failure.
	ErrTransport = errors.New("realtime: transport failure")

	// ErrClientClosed is returned when delivering to a connection that is shutting down.
	ErrClientClosed = errors.New("realtime: client closed")

	// ErrBackpressure is returned when a connection's send queue stayed full for the whole send timeout.
	ErrBackpressure = errors.New("realtime: send queue full")
)

// DeliveryError reports one failed push to one connection.
type DeliveryError struct {
	SessionID      string
	ConversationID int64
	Err            error
}

func (e DeliveryError) Error() string {
	return fmt.Sprintf("realtime: deliver to session %s in conversation %d: %v", e.SessionID, e.ConversationID, e.Err)
}

// Unwrap exposes both the transport kind and the underlying cause.
func (e DeliveryError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// IsTransport reports whether err contains a delivery failure.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

package realtime

import (
	"context"
	"sync"

	"libris/cmd/internal/identity"
	v1 "libris/shared/contracts/realtime/v1"
)

// Client represents one authenticated websocket session.
//
// Design notes:
// - Send is never closed by the server, so concurrent publishers cannot panic on it.
// - done signals the connection goroutines to stop; Close is idempotent.
type Client struct {
	SessionID string
	Principal identity.Principal
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(p identity.Principal, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Principal: p,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// deliver queues env, waiting for queue space until ctx is done.
func (c *Client) deliver(ctx context.Context, env v1.Envelope) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.Send <- env:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ErrBackpressure
	}
}

package presence

import (
	"fmt"
	"sync"

	"github.com/tkaczmarek/arcade/internal/auth"
)

// Client is the delivery endpoint for one live connection. Outbound
// payloads are queued on a buffered channel drained by the connection's
// writer goroutine, so a slow consumer never blocks a broadcast.
type Client struct {
	id       string
	identity auth.Identity
	outbox   chan []byte
	mu       sync.Mutex
	closed   bool
}

// NewClient creates a Client for an authenticated connection.
//
// Precondition: id must be non-empty; identity must carry a subject.
// Postcondition: Returns a Client with an open outbox channel.
func NewClient(id string, identity auth.Identity, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Client{
		id:       id,
		identity: identity,
		outbox:   make(chan []byte, bufferSize),
	}
}

// ID returns the connection id assigned at accept time.
func (c *Client) ID() string { return c.id }

// Username returns the subject bound at handshake completion. The
// binding is immutable for the life of the connection.
func (c *Client) Username() string { return c.identity.Subject }

// Send queues a payload for delivery.
//
// Postcondition: The payload is enqueued, or an error if the client is
// closed or its outbox is full.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client %s is closed", c.id)
	}
	select {
	case c.outbox <- payload:
		return nil
	default:
		return fmt.Errorf("client %s outbox full", c.id)
	}
}

// Outbox returns the read-only outbound channel. The connection's writer
// goroutine drains it until it is closed.
func (c *Client) Outbox() <-chan []byte {
	return c.outbox
}

// Close marks the client as closed and closes the outbox. Close is
// idempotent; further Send calls return an error.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.outbox)
	}
	return nil
}

// IsClosed reports whether the client has been closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

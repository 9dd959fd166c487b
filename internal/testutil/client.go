package testutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/tkaczmarek/arcade/internal/chat"
)

// SessionClient is a newline-delimited JSON test client for exercising
// the session server over a real TCP connection.
type SessionClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// NewSessionClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected SessionClient or fails the test.
func NewSessionClient(t *testing.T, addr string) *SessionClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	client := &SessionClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}

	t.Logf("session client connected to %s [%s]", addr, time.Since(start))
	return client
}

// Handshake sends the authorization frame that must open every connection.
//
// Postcondition: the handshake frame is written; the server's verdict
// arrives as subsequent frames.
func (c *SessionClient) Handshake(authorization string) {
	c.t.Helper()
	c.SendFrame(map[string]string{"authorization": authorization})
}

// Say sends a chat frame with the given content.
func (c *SessionClient) Say(content string) {
	c.t.Helper()
	c.SendFrame(map[string]string{"content": content})
}

// SendFrame marshals v and writes it as one newline-delimited frame.
func (c *SessionClient) SendFrame(v any) {
	c.t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshaling frame: %v", err)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(c.conn, "%s\n", payload); err != nil {
		c.t.Fatalf("sending frame %s: %v", payload, err)
	}
}

// SendRaw writes raw bytes followed by a newline, for malformed-frame tests.
func (c *SessionClient) SendRaw(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(c.conn, "%s\n", line); err != nil {
		c.t.Fatalf("sending raw line %q: %v", line, err)
	}
}

// ReadFrame reads and decodes the next server frame, failing on timeout.
func (c *SessionClient) ReadFrame(timeout time.Duration) chat.ServerFrame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}

	var frame chat.ServerFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		c.t.Fatalf("decoding frame %q: %v", line, err)
	}
	return frame
}

// ReadUntilEvent reads frames until one with the given event arrives,
// returning it. Frames of other events are discarded.
func (c *SessionClient) ReadUntilEvent(event string, timeout time.Duration) chat.ServerFrame {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("no %q frame within %s", event, timeout)
		}
		frame := c.ReadFrame(remaining)
		if frame.Event == event {
			return frame
		}
	}
}

// ExpectClosed asserts that the server closes the connection.
func (c *SessionClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, err := c.reader.ReadBytes('\n'); err != nil {
			return
		}
	}
}

// Close closes the underlying connection.
func (c *SessionClient) Close() {
	c.conn.Close()
}

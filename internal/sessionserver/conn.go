// Package sessionserver runs the real-time session layer: it accepts TCP
// connections carrying newline-delimited JSON frames, authenticates them,
// and bridges them onto the presence registry and message router.
package sessionserver

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"
)

// maxFrameSize bounds a single inbound frame. Anything larger is a
// protocol violation, not chat.
const maxFrameSize = 64 * 1024

// ErrFrameTooLarge is returned when an inbound frame exceeds maxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", maxFrameSize)

// Conn wraps a TCP connection with newline-delimited JSON framing.
// Writes are serialized so the router's writer goroutine and control
// frames never interleave.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps a raw TCP connection with frame handling.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, 4096),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadFrame reads the next newline-delimited frame using the connection's
// configured read timeout.
//
// Postcondition: Returns the frame without its trailing newline, or an
// error (including io.EOF when the peer disconnects).
func (c *Conn) ReadFrame() ([]byte, error) {
	return c.readFrame(c.readTimeout)
}

// ReadFrameWithin reads the next frame with an explicit deadline,
// overriding the configured read timeout. Used for the handshake, which
// has a tighter budget than steady-state chat.
func (c *Conn) ReadFrameWithin(timeout time.Duration) ([]byte, error) {
	return c.readFrame(timeout)
}

func (c *Conn) readFrame(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(timeout))
	}

	var frame bytes.Buffer
	for {
		chunk, err := c.reader.ReadSlice('\n')
		frame.Write(chunk)
		if frame.Len() > maxFrameSize {
			return nil, ErrFrameTooLarge
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	line := bytes.TrimRight(frame.Bytes(), "\r\n")
	return line, nil
}

// WriteFrame sends one frame followed by a newline.
//
// Precondition: payload must not contain a newline.
// Postcondition: payload + \n is written to the connection.
func (c *Conn) WriteFrame(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.raw.Write(payload); err != nil {
		return err
	}
	_, err := c.raw.Write([]byte{'\n'})
	return err
}

// Close closes the underlying TCP connection.
//
// Postcondition: The connection is closed and no longer usable.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// RemoteAddr returns the remote network address of the client.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

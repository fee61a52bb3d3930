package frame

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Conn wraps a TCP connection with frame-level reads and writes.
// Writes are serialized so pushes and responses never interleave.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps a raw connection. A zero timeout disables the deadline.
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

// ReadMessage reads exactly one frame.
//
// Postcondition: Returns the next payload, or an error (including io.EOF).
func (c *Conn) ReadMessage() ([]byte, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return Read(c.reader)
}

// WriteMessage sends payload as one frame.
//
// Postcondition: The frame is written to the connection or an error is returned.
func (c *Conn) WriteMessage(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return Write(c.raw, payload)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

package testutil

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/cory-johannsen/gamestore/internal/protocol/frame"
)

// Message is a decoded control-channel message.
type Message map[string]any

// IsPush reports whether the message is an unsolicited notification.
func (m Message) IsPush() bool {
	_, hasStatus := m["status"]
	return !hasStatus
}

// String returns the string field key, or "".
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Int returns the numeric field key, or 0.
func (m Message) Int(key string) int {
	f, _ := m[key].(float64)
	return int(f)
}

// Map returns the object field key, or nil.
func (m Message) Map(key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// LobbyClient is a framed JSON test client for integration testing.
type LobbyClient struct {
	conn    net.Conn
	t       *testing.T
	pending []Message
}

// NewLobbyClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected LobbyClient or fails the test.
func NewLobbyClient(t *testing.T, addr string) *LobbyClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return &LobbyClient{conn: conn, t: t}
}

// WrapLobbyClient returns a test client over an already-connected conn, such
// as one end of a net.Pipe handed to the server.
func WrapLobbyClient(t *testing.T, conn net.Conn) *LobbyClient {
	t.Helper()
	t.Cleanup(func() {
		conn.Close()
	})
	return &LobbyClient{conn: conn, t: t}
}

// Send writes one request frame.
func (c *LobbyClient) Send(req any) {
	c.t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		c.t.Fatalf("encoding request: %v", err)
	}
	c.SendRaw(payload)
}

// SendRaw writes payload as one frame without encoding it.
func (c *LobbyClient) SendRaw(payload []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := frame.Write(c.conn, payload); err != nil {
		c.t.Fatalf("sending frame: %v", err)
	}
}

func (c *LobbyClient) read(timeout time.Duration) (Message, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	payload, err := frame.Read(c.conn)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		c.t.Fatalf("decoding message %q: %v", payload, err)
	}
	return m, nil
}

// Call sends req and returns its response. Pushes that arrive first are
// kept for NextPush.
//
// Postcondition: Returns a message carrying "status", or fails the test.
func (c *LobbyClient) Call(req any) Message {
	c.t.Helper()
	c.Send(req)
	for {
		m, err := c.read(5 * time.Second)
		if err != nil {
			c.t.Fatalf("awaiting response to %v: %v", req, err)
		}
		if !m.IsPush() {
			return m
		}
		c.pending = append(c.pending, m)
	}
}

// Recv returns the next message of any kind, waiting up to timeout.
func (c *LobbyClient) Recv(timeout time.Duration) Message {
	c.t.Helper()
	if len(c.pending) > 0 {
		m := c.pending[0]
		c.pending = c.pending[1:]
		return m
	}
	m, err := c.read(timeout)
	if err != nil {
		c.t.Fatalf("awaiting message: %v", err)
	}
	return m
}

// NextPush returns the oldest unread push, waiting up to timeout.
func (c *LobbyClient) NextPush(timeout time.Duration) Message {
	c.t.Helper()
	if len(c.pending) > 0 {
		m := c.pending[0]
		c.pending = c.pending[1:]
		return m
	}
	m, err := c.read(timeout)
	if err != nil {
		c.t.Fatalf("awaiting push: %v", err)
	}
	if !m.IsPush() {
		c.t.Fatalf("expected push, got response %v", m)
	}
	return m
}

// ExpectSilence fails the test if any message arrives within d.
func (c *LobbyClient) ExpectSilence(d time.Duration) {
	c.t.Helper()
	if len(c.pending) > 0 {
		c.t.Fatalf("unexpected pending message %v", c.pending[0])
	}
	m, err := c.read(d)
	if err == nil {
		c.t.Fatalf("unexpected message %v", m)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		c.t.Fatalf("connection failed while expecting silence: %v", err)
	}
}

// ExpectClosed fails the test unless the server closes the connection within d.
func (c *LobbyClient) ExpectClosed(d time.Duration) {
	c.t.Helper()
	_, err := c.read(d)
	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		c.t.Fatalf("expected the server to close the connection, got %v", err)
	}
}

// Conn exposes the raw connection for framing-level tests.
func (c *LobbyClient) Conn() net.Conn {
	return c.conn
}

// Close closes the underlying connection.
func (c *LobbyClient) Close() {
	c.conn.Close()
}

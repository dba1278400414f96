package protocol

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"
)

// Conn carries framed messages over a stream connection. Send is safe for
// concurrent use; Receive must be called from one goroutine at a time.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
}

// NewConn wraps an established connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c, reader: bufio.NewReader(c)}
}

// Send writes one message.
func (c *Conn) Send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, &msg)
}

// Receive reads one message.
func (c *Conn) Receive() (Message, error) {
	var msg Message
	if err := ReadMessage(c.reader, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// SetDeadline sets the read and write deadline. A zero value clears it.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Handshake presents token to the worker and waits for it to be accepted.
// It must be the first exchange on a new connection.
func (c *Conn) Handshake(token string) error {
	if err := c.Send(Hello(token)); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	resp, err := c.Receive()
	if err != nil {
		return fmt.Errorf("receive welcome: %w", err)
	}
	switch resp.Action {
	case ActionWelcome:
		return nil
	case ActionError:
		return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Exception)
	default:
		return fmt.Errorf("unexpected handshake reply %q", resp.Action)
	}
}

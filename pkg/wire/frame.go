// Package wire implements the runner-to-runner protocol: length-prefixed
// frames (4-byte big-endian length followed by the body) carrying msgpack
// encoded messages.
package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	sdkerrors "github.com/wehubfusion/brickrunner/pkg/errors"
)

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 64 << 20

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("write frame of %d bytes: %w", len(body), sdkerrors.ErrFrameTooLarge)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A clean EOF before the prefix
// is returned as io.EOF; a truncated frame as io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("read frame of %d bytes: %w", size, sdkerrors.ErrFrameTooLarge)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// Conn is a framed, message-oriented view of a stream connection. Reads
// and writes are each serialized; one reader and many writers may share it.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	rmu  sync.Mutex
	wmu  sync.Mutex
	once sync.Once
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, r: bufio.NewReader(conn)}
}

// Dial opens a framed connection to address.
func Dial(ctx context.Context, address string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return NewConn(conn), nil
}

// ReadFrame reads the next raw frame body.
func (c *Conn) ReadFrame() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return ReadFrame(c.r)
}

// WriteFrame writes a raw frame body.
func (c *Conn) WriteFrame(body []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.conn, body)
}

// Send encodes and writes a message.
func (c *Conn) Send(msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	return c.WriteFrame(body)
}

// Receive reads and decodes the next message.
func (c *Conn) Receive() (Message, error) {
	body, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close closes the underlying connection. It is safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}

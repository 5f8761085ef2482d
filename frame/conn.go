package frame

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const readChunk = 32768

// Conn carries frames over a net.Conn.
// ReadFrame must only be called from one goroutine at a time; WriteFrame is safe for concurrent use
// and writes each frame atomically.
type Conn struct {
	conn net.Conn

	dec     *Decoder
	readBuf []byte
	readErr error

	writeMut sync.Mutex
	enc      *Encoder
}

func newConn(conn net.Conn, sendKey, recvKey []byte) (*Conn, error) {
	enc, err := NewEncoder(sendKey)
	if err != nil {
		return nil, err
	}
	dec, err := NewDecoder(recvKey)
	if err != nil {
		return nil, err
	}
	return &Conn{
		conn:    conn,
		enc:     enc,
		dec:     dec,
		readBuf: make([]byte, readChunk),
	}, nil
}

// ReadFrame blocks until a whole frame has arrived and returns its plaintext.
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		p, err := c.dec.Next()
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return nil, err
		}
		if c.readErr != nil {
			if errors.Is(c.readErr, io.EOF) && c.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, c.readErr
		}

		n, err := c.conn.Read(c.readBuf)
		if n > 0 {
			c.dec.Feed(c.readBuf[:n])
		}
		if err != nil {
			c.readErr = err
		}
	}
}

// WriteFrame seals p into one frame and writes it.
func (c *Conn) WriteFrame(p []byte) error {
	c.writeMut.Lock()
	defer c.writeMut.Unlock()

	b, err := c.enc.Encode(p)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *Conn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *Conn) Close() error                       { return c.conn.Close() }

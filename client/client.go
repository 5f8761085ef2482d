// Package client talks the procd protocol: it authenticates, sends one request at a time and demultiplexes
// responses from the output and state notifications of attached processes.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/guseggert/procd/frame"
	"github.com/guseggert/procd/proto"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrAuthFailed is returned when the daemon drops the connection during authentication.
// The daemon never says why, so a wrong key and a wrong password look the same.
var ErrAuthFailed = errors.New("authentication failed")

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("client closed")

type Client struct {
	log *zap.SugaredLogger
	raw net.Conn

	conn *frame.Conn

	eventBuffer int

	reqMut    sync.Mutex
	responses chan proto.Response
	events    chan proto.ServerMessage

	errMut  sync.Mutex
	readErr error

	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

type Option func(c *Client)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.log = l.Named("procd_client")
	}
}

// WithEventBuffer sets how many notifications are buffered before the client stops reading from the connection.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		c.eventBuffer = n
	}
}

// Dial connects to a daemon over TCP and authenticates.
func Dial(ctx context.Context, addr string, key uint64, password string, opts ...Option) (*Client, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return New(ctx, conn, key, password, opts...)
}

// DialWebSocket connects to a daemon's admin WebSocket tunnel (ws://host:port/ws) and authenticates.
func DialWebSocket(ctx context.Context, url string, key uint64, password string, opts ...Option) (*Client, error) {
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(frame.MaxPayload + frame.TagSize + 4)
	// the tunnel must outlive ctx, which only bounds the dial and authentication
	conn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	return New(ctx, conn, key, password, opts...)
}

// New authenticates over an established connection. The password is verified with a round trip,
// so a rejected password is reported as ErrAuthFailed rather than on the first request.
func New(ctx context.Context, conn net.Conn, key uint64, password string, opts ...Option) (*Client, error) {
	c := &Client{
		log:         zap.NewNop().Sugar(),
		raw:         conn,
		eventBuffer: 4096,
		responses:   make(chan proto.Response, 1),
		done:        make(chan struct{}),
		closing:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.events = make(chan proto.ServerMessage, c.eventBuffer)

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, err
		}
	}
	fc, err := frame.Client(conn, key)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	c.conn = fc
	if err := fc.WriteFrame([]byte(password)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending password: %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()

	if err := c.Ping(ctx); err != nil {
		c.Close()
		var perr *proto.Error
		if errors.As(err, &perr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		c.log.Debugf("ping after password failed: %s", err)
		return nil, ErrAuthFailed
	}
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		b, err := c.conn.ReadFrame()
		if err != nil {
			c.setErr(err)
			return
		}
		msg, err := proto.DecodeServerMessage(b)
		if err != nil {
			c.log.Debugw("dropping undecodable message", "Err", err)
			continue
		}
		if resp, ok := msg.(proto.Response); ok {
			select {
			case c.responses <- resp:
			case <-c.closing:
				c.setErr(ErrClosed)
				return
			}
			continue
		}
		select {
		case c.events <- msg:
		case <-c.closing:
			c.setErr(ErrClosed)
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMut.Lock()
	defer c.errMut.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}

// Err is the error that stopped the client, if any.
func (c *Client) Err() error {
	c.errMut.Lock()
	defer c.errMut.Unlock()
	return c.readErr
}

// Events yields Output, Truncated and StateChange notifications for attached processes, in the order the daemon
// sent them. It is closed when the connection ends. While processes are attached it must be drained, otherwise
// the daemon eventually detaches this client for falling behind.
func (c *Client) Events() <-chan proto.ServerMessage {
	return c.events
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.raw.Close()
	})
	return err
}

// do sends one request and waits for its response. A response that is lost to ctx leaves the connection out of
// step, so the client is closed in that case.
func (c *Client) do(ctx context.Context, req proto.Request) (proto.Result, error) {
	c.reqMut.Lock()
	defer c.reqMut.Unlock()

	select {
	case <-c.done:
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrClosed, err)
		}
		return nil, ErrClosed
	default:
	}

	b, err := proto.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if err := c.conn.WriteFrame(b); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	select {
	case resp := <-c.responses:
		return result(resp)
	case <-c.done:
		// the response may have arrived just before the connection ended
		select {
		case resp := <-c.responses:
			return result(resp)
		default:
		}
		return nil, fmt.Errorf("waiting for response: %w", c.Err())
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func result(resp proto.Response) (proto.Result, error) {
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func expect[T proto.Result](res proto.Result, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	t, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result %T, wanted %T", res, zero)
	}
	return t, nil
}

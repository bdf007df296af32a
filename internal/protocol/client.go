// Package protocol is the RESP command channel used to talk to store nodes.
package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	slotctlerrors "github.com/10yihang/slotctl/pkg/errors"
)

// Client is a single RESP connection. Requests are serialized; callers may
// share one Client between goroutines.
type Client struct {
	addr    string
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	buf    []byte
	closed bool
}

// Dial connects to addr. timeout bounds both the dial and, when ctx carries no
// deadline, every subsequent command.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	c := &Client{addr: addr, timeout: timeout}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", slotctlerrors.ErrConnection, c.addr, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func (c *Client) Addr() string {
	return c.addr
}

// Do sends one command and waits for its reply. Server error replies are
// returned as ErrorReply. A transport failure, including a cancelled ctx
// interrupting the exchange, drops the connection and wraps ErrConnection;
// the next Do dials again.
func (c *Client) Do(ctx context.Context, args ...string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, slotctlerrors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return nil, err
		}
	}

	conn := c.conn
	if err := setConnDeadline(ctx, conn, c.timeout); err != nil {
		return nil, c.drop(err)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	c.buf = appendCommand(c.buf[:0], args)
	if _, err := conn.Write(c.buf); err != nil {
		return nil, c.drop(err)
	}

	reply, err := readReply(c.reader)
	if err != nil {
		var errReply ErrorReply
		if errors.As(err, &errReply) {
			return nil, errReply
		}
		return nil, c.drop(err)
	}
	return reply, nil
}

// drop discards a connection whose stream position is no longer known.
func (c *Client) drop(err error) error {
	c.conn.Close()
	c.conn = nil
	c.reader = nil
	return fmt.Errorf("%w: %s: %v", slotctlerrors.ErrConnection, c.addr, err)
}

// Close closes the connection. Closing twice returns ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return slotctlerrors.ErrClosed
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func setConnDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) error {
	if deadline, ok := ctx.Deadline(); ok {
		return conn.SetDeadline(deadline)
	}
	if timeout <= 0 {
		return conn.SetDeadline(time.Time{})
	}
	return conn.SetDeadline(time.Now().Add(timeout))
}

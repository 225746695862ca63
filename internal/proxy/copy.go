package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Stats counts the bytes relayed by CopyBidirectional.
type Stats struct {
	// Up is bytes copied from left to right.
	Up int64
	// Down is bytes copied from right to left.
	Down int64
}

// CopyBidirectional relays bytes between left and right until either side
// reaches EOF, an I/O error occurs, ctx is done, or neither side has moved
// data for idle (0 disables). Both connections are closed on return.
// Errors caused by the teardown itself are not reported. A half-close is not
// propagated: the first direction to finish tears down both.
func CopyBidirectional(ctx context.Context, left, right net.Conn, idle time.Duration) (Stats, error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	// If the context is canceled, close both sides to unblock Copy.
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	l, r := withIdle(left, idle), withIdle(right, idle)

	var st Stats
	var g errgroup.Group
	g.Go(func() error {
		n, err := io.Copy(r, l)
		st.Up = n
		closeBoth()
		return teardownError(err)
	})
	g.Go(func() error {
		n, err := io.Copy(l, r)
		st.Down = n
		closeBoth()
		return teardownError(err)
	})

	err := g.Wait()
	return st, err
}

func teardownError(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// idleConn pushes the deadline forward on every read and write.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func withIdle(c net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return c
	}
	return &idleConn{Conn: c, timeout: timeout}
}

func (c *idleConn) Read(p []byte) (int, error) {
	_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(p)
}

// bufferedConn serves bytes the HTTP server read ahead of the CONNECT
// request before reading from the socket again.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

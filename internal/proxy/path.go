package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goodtune/pacrelay/internal/dialer"
	"github.com/goodtune/pacrelay/internal/metrics"
	"github.com/goodtune/pacrelay/internal/route"
)

// upstreamPath opens the outbound leg for one route entry. Tunnels and
// forwarded requests share it so that both go through the same fallback walk.
type upstreamPath interface {
	// tunnel returns a connection carrying raw bytes to authority. It must
	// not return until the far end is ready to relay.
	tunnel(ctx context.Context, authority string, r *http.Request) (net.Conn, error)
	// roundTrip performs one request/response exchange.
	roundTrip(ctx context.Context, out *http.Request) (*http.Response, error)
}

// pathFor maps a route entry to its path. Entries naming a proxy type the
// server cannot speak fail here, as an ordinary connector error.
func (h *Handler) pathFor(e route.Entry) (upstreamPath, error) {
	switch {
	case e.Direct:
		return directPath{h: h}, nil
	case e.Supported():
		return chainedPath{h: h, addr: e.Addr()}, nil
	default:
		return nil, &UnsupportedKindError{Entry: e}
	}
}

type directPath struct {
	h *Handler
}

func (p directPath) tunnel(ctx context.Context, authority string, _ *http.Request) (net.Conn, error) {
	return p.h.direct.DialContext(ctx, "tcp", authority)
}

func (p directPath) roundTrip(_ context.Context, out *http.Request) (*http.Response, error) {
	return p.h.transport.RoundTrip(out)
}

// chainedPath relays through an HTTP upstream proxy.
type chainedPath struct {
	h    *Handler
	addr string
}

func (p chainedPath) tunnel(ctx context.Context, authority string, r *http.Request) (net.Conn, error) {
	header := make(http.Header)
	ua := r.Header.Get("User-Agent")
	if ua == "" {
		ua = p.h.userAgent
	}
	header.Set("User-Agent", ua)
	header.Set("Proxy-Connection", "Keep-Alive")

	c, err := dialer.NewConnect(p.h.dialCfg, p.addr, header).DialContext(ctx, "tcp", authority)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(p.addr).Inc()
		return nil, err
	}
	return c, nil
}

// roundTrip sends out to the upstream on a connection of its own. The
// request is written from a detached goroutine so an upstream that answers
// before consuming the body is not deadlocked; the connection is closed with
// the response body.
func (p chainedPath) roundTrip(ctx context.Context, out *http.Request) (*http.Response, error) {
	c, err := p.h.direct.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(p.addr).Inc()
		return nil, fmt.Errorf("http proxy: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })

	written := make(chan struct{})
	go func() {
		defer close(written)
		bw := bufio.NewWriter(c)
		err := out.WriteProxy(bw)
		if err == nil {
			err = bw.Flush()
		}
		if err != nil {
			p.h.logger.Debug("upstream request write failed", "upstream", p.addr, "error", err)
		}
	}()

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, out)
	// Skip interim responses such as 100 Continue.
	for err == nil && resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
		resp, err = http.ReadResponse(br, out)
	}
	if err != nil {
		stop()
		_ = c.Close()
		<-written
		metrics.UpstreamErrors.WithLabelValues(p.addr).Inc()
		return nil, fmt.Errorf("http proxy %s: %w", p.addr, err)
	}
	resp.Body = &connBody{ReadCloser: resp.Body, conn: c, stop: stop, written: written}
	return resp, nil
}

// connBody ties an upstream connection's lifetime to a response body.
type connBody struct {
	io.ReadCloser
	conn    net.Conn
	stop    func() bool
	written <-chan struct{}
}

func (b *connBody) Close() error {
	b.stop()
	// Closing the socket first keeps Close from draining an unread body.
	_ = b.conn.Close()
	_ = b.ReadCloser.Close()
	<-b.written
	return nil
}

// trackedBody records whether a request body has been read from, which
// makes a failed attempt impossible to replay on another entry. Close is a
// no-op: transports close request bodies even on failure, and the server
// owns the real body.
type trackedBody struct {
	io.ReadCloser
	touched atomic.Bool
	n       atomic.Int64
}

func (b *trackedBody) Read(p []byte) (int, error) {
	b.touched.Store(true)
	n, err := b.ReadCloser.Read(p)
	b.n.Add(int64(n))
	return n, err
}

func (b *trackedBody) Close() error {
	return nil
}

func newDirectTransport(d dialer.Dialer, cfg dialer.Config) *http.Transport {
	return &http.Transport{
		DialContext:           d.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.NegotiationTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

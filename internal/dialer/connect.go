package dialer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RefusedError is returned when the upstream answers CONNECT with a non-2xx
// status.
type RefusedError struct {
	Proxy      string
	Target     string
	StatusCode int
	Status     string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("upstream %s refused CONNECT %s: %s", e.Proxy, e.Target, e.Status)
}

// ConnectDialer reaches targets through an HTTP upstream proxy by issuing
// CONNECT and returning the upgraded connection.
type ConnectDialer struct {
	cfg       Config
	proxyAddr string
	header    http.Header
	direct    Dialer
}

// NewConnect returns a dialer tunnelling through the upstream at proxyAddr.
// header is sent on every CONNECT request; its Host is always replaced by
// the target authority.
func NewConnect(cfg Config, proxyAddr string, header http.Header) *ConnectDialer {
	if header == nil {
		header = make(http.Header)
	}
	return &ConnectDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		header:    header,
		direct:    NewDirect(cfg),
	}
}

// ProxyAddr returns the upstream host:port.
func (d *ConnectDialer) ProxyAddr() string {
	return d.proxyAddr
}

// DialContext connects to the upstream, sends CONNECT address and waits for
// a 2xx answer. Nothing is returned to the caller until the upstream has
// accepted, so a refused tunnel never escapes as a usable connection.
func (d *ConnectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	c, err := d.direct.DialContext(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	req := &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Opaque: address},
		Host:       address,
		Header:     d.header.Clone(),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}

	if d.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(d.cfg.NegotiationTimeout))
	}
	// Abort the exchange if the caller goes away.
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})

	br, err := d.negotiate(c, req)
	if !stop() {
		err = fmt.Errorf("http proxy connect: %w", ctx.Err())
	}
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	_ = c.SetDeadline(time.Time{})
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: c, r: br}, nil
	}
	return c, nil
}

func (d *ConnectDialer) negotiate(c net.Conn, req *http.Request) (*bufio.Reader, error) {
	if err := req.Write(c); err != nil {
		return nil, fmt.Errorf("http proxy connect write: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("http proxy connect read: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, &RefusedError{
			Proxy:      d.proxyAddr,
			Target:     req.Host,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}
	return br, nil
}

// bufferedConn replays bytes the upstream sent right after its CONNECT
// response before reading from the socket again.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

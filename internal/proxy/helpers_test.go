package proxy_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/goodtune/pacrelay/internal/proxy"
	"github.com/goodtune/pacrelay/internal/route"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fixedResolver answers every query with the same route.
type fixedResolver struct {
	route route.Route
	err   error
	calls atomic.Int32
	last  atomic.Pointer[route.Target]
}

func (f *fixedResolver) Resolve(_ context.Context, t route.Target) (route.Route, error) {
	f.calls.Add(1)
	f.last.Store(&t)
	return f.route, f.err
}

func direct() *fixedResolver {
	return &fixedResolver{route: route.Route{route.Direct}}
}

// upstreamEntry returns an HTTP proxy entry for a listener address.
func upstreamEntry(t *testing.T, addr string) route.Entry {
	t.Helper()

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	return route.Proxied(route.KindHTTP, host, port)
}

// startProxy serves h on a loopback listener.
func startProxy(t *testing.T, r proxy.Resolver, opts ...proxy.Option) *httptest.Server {
	t.Helper()

	h := proxy.NewHandler(r, discard, opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return srv
}

// sendConnect opens a connection to the proxy and sends a CONNECT request
// head with the given extra header lines.
func sendConnect(t *testing.T, proxyAddr, target string, extra ...string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()

	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	head := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	for _, l := range extra {
		head += l + "\r\n"
	}
	if _, err := io.WriteString(conn, head+"\r\n"); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	return conn, br, resp
}

package proxy_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/pacrelay/internal/proxy"
	"github.com/goodtune/pacrelay/internal/resolver"
	"github.com/goodtune/pacrelay/internal/route"
	"github.com/goodtune/pacrelay/internal/testutil"
)

func TestConnectTunnelDirect(t *testing.T) {
	// TLS origin server
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("secure hello"))
	}))
	defer origin.Close()

	res := direct()
	srv := startProxy(t, res)

	originAddr := origin.Listener.Addr().String()
	conn, _, resp := sendConnect(t, srv.Listener.Addr().String(), originAddr)
	if resp.StatusCode != 200 {
		t.Fatalf("CONNECT status: got %d, want 200", resp.StatusCode)
	}
	if got := res.last.Load(); got == nil || got.Authority != originAddr || got.URL != "http://"+originAddr+"/" {
		t.Errorf("resolver target: got %+v", got)
	}

	// Wrap in TLS and make request
	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	defer tlsConn.Close()

	req, _ := http.NewRequest("GET", "/", nil)
	req.Host = originAddr
	req.Write(tlsConn)

	resp2, err := http.ReadResponse(bufio.NewReader(tlsConn), req)
	if err != nil {
		t.Fatalf("reading tunneled response: %v", err)
	}
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)
	if string(body) != "secure hello" {
		t.Errorf("body: got %q, want %q", body, "secure hello")
	}
}

func TestConnectTunnelEcho(t *testing.T) {
	ctx := context.Background()
	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()

	srv := startProxy(t, direct())
	conn, br, resp := sendConnect(t, srv.Listener.Addr().String(), echo.Addr().String())
	if resp.StatusCode != 200 {
		t.Fatalf("CONNECT status: got %d, want 200", resp.StatusCode)
	}

	testutil.AssertEcho(t, conn, br, []byte("hello"))
	testutil.AssertEcho(t, conn, br, []byte("world, again"))
}

func TestConnectTunnelClosePropagates(t *testing.T) {
	ctx := context.Background()
	ln, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		_, _ = io.WriteString(c, "bye")
	})
	defer wait()

	srv := startProxy(t, direct())
	conn, br, resp := sendConnect(t, srv.Listener.Addr().String(), ln.Addr().String())
	if resp.StatusCode != 200 {
		t.Fatalf("CONNECT status: got %d, want 200", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("client did not see the tunnel close: %v", err)
	}
	if string(got) != "bye" {
		t.Errorf("got %q, want %q", got, "bye")
	}
}

func TestConnectMalformedAuthority(t *testing.T) {
	res := direct()
	srv := startProxy(t, res)

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	io.WriteString(conn, "CONNECT /not-an-authority HTTP/1.1\r\nHost: example.com\r\n\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "host:port") {
		t.Errorf("body does not explain the problem: %q", body)
	}
	if n := res.calls.Load(); n != 0 {
		t.Errorf("resolver called %d times for a malformed target", n)
	}
}

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		name string
		res  *fixedResolver
		want int
	}{
		{"empty route", &fixedResolver{route: route.Route{}}, http.StatusBadGateway},
		{"resolution error", &fixedResolver{err: &resolver.ResolutionError{Err: errors.New("boom")}}, http.StatusBadGateway},
		{"resolver unavailable", &fixedResolver{err: resolver.ErrUnavailable}, http.StatusServiceUnavailable},
		{"only unsupported kinds", &fixedResolver{route: route.Route{route.Proxied(route.KindSocks5, "127.0.0.1", "1080")}}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startProxy(t, tt.res)
			_, _, resp := sendConnect(t, srv.Listener.Addr().String(), "example.com:443")
			if resp.StatusCode != tt.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestConnectDirectUnreachable(t *testing.T) {
	srv := startProxy(t, direct())
	_, _, resp := sendConnect(t, srv.Listener.Addr().String(), testutil.UnusedAddr(t))
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status: got %d, want 502", resp.StatusCode)
	}
}

func TestConnectFallsThrough(t *testing.T) {
	ctx := context.Background()
	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()

	res := &fixedResolver{route: route.Route{
		upstreamEntry(t, testutil.UnusedAddr(t)),
		route.Proxied(route.KindSocks5, "127.0.0.1", "1080"),
		route.Direct,
	}}
	srv := startProxy(t, res)

	conn, br, resp := sendConnect(t, srv.Listener.Addr().String(), echo.Addr().String())
	if resp.StatusCode != 200 {
		t.Fatalf("CONNECT status: got %d, want 200", resp.StatusCode)
	}
	testutil.AssertEcho(t, conn, br, []byte("fell through"))
}

// startUpstream runs a one-shot upstream proxy that records the CONNECT it
// receives and answers with status. On 200 it echoes the tunnel.
func startUpstream(t *testing.T, status string) (net.Listener, <-chan *http.Request) {
	t.Helper()

	got := make(chan *http.Request, 1)
	ln, wait := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		got <- req
		if _, err := io.WriteString(c, "HTTP/1.1 "+status+"\r\nContent-Length: 0\r\n\r\n"); err != nil {
			return
		}
		if strings.HasPrefix(status, "200") {
			_, _ = io.Copy(c, br)
		}
	})
	// Registered before the proxy and client cleanups so it runs after them.
	t.Cleanup(wait)
	return ln, got
}

func TestConnectChained(t *testing.T) {
	tests := []struct {
		name   string
		extra  []string
		wantUA string
	}{
		{"client user agent", []string{"User-Agent: curl/8.0"}, "curl/8.0"},
		{"default user agent", nil, proxy.DefaultUserAgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up, got := startUpstream(t, "200 Connection established")

			res := &fixedResolver{route: route.Route{upstreamEntry(t, up.Addr().String())}}
			srv := startProxy(t, res)

			conn, br, resp := sendConnect(t, srv.Listener.Addr().String(), "internal.example:8443", tt.extra...)
			if resp.StatusCode != 200 {
				t.Fatalf("CONNECT status: got %d, want 200", resp.StatusCode)
			}

			req := <-got
			if req.Method != http.MethodConnect || req.Host != "internal.example:8443" {
				t.Errorf("inner request: %s %s", req.Method, req.Host)
			}
			if ua := req.Header.Get("User-Agent"); ua != tt.wantUA {
				t.Errorf("User-Agent: got %q, want %q", ua, tt.wantUA)
			}
			if pc := req.Header.Get("Proxy-Connection"); pc != "Keep-Alive" {
				t.Errorf("Proxy-Connection: got %q", pc)
			}

			testutil.AssertEcho(t, conn, br, []byte("through the upstream"))
		})
	}
}

func TestConnectChainedRefused(t *testing.T) {
	up, _ := startUpstream(t, "403 Forbidden")

	res := &fixedResolver{route: route.Route{upstreamEntry(t, up.Addr().String())}}
	srv := startProxy(t, res)

	_, _, resp := sendConnect(t, srv.Listener.Addr().String(), "blocked.example:443")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status: got %d, want 502", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "403") {
		t.Errorf("body should name the upstream refusal: %q", body)
	}
}

func TestConnectChainedRefusedFallsBack(t *testing.T) {
	ctx := context.Background()
	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()

	up, _ := startUpstream(t, "407 Proxy Authentication Required")

	res := &fixedResolver{route: route.Route{upstreamEntry(t, up.Addr().String()), route.Direct}}
	srv := startProxy(t, res)

	conn, br, resp := sendConnect(t, srv.Listener.Addr().String(), echo.Addr().String())
	if resp.StatusCode != 200 {
		t.Fatalf("CONNECT status: got %d, want 200", resp.StatusCode)
	}
	testutil.AssertEcho(t, conn, br, []byte("direct after refusal"))
}

package route_test

import (
	"errors"
	"net/url"
	"testing"

	"github.com/goodtune/pacrelay/internal/route"
)

func TestParseEntry(t *testing.T) {
	tests := []struct {
		keyword, addr string
		want          route.Entry
	}{
		{"PROXY", "squid.local:3128", route.Proxied(route.KindProxy, "squid.local", "3128")},
		{"http", "10.0.0.1", route.Proxied(route.KindHTTP, "10.0.0.1", "80")},
		{"HTTPS", "b", route.Proxied(route.KindHTTPS, "b", "443")},
		{"SOCKS", "[::1]", route.Proxied(route.KindSocks, "::1", "1080")},
		{"SOCKS4", "s:9050", route.Proxied(route.KindSocks4, "s", "9050")},
	}
	for _, tt := range tests {
		got, err := route.ParseEntry(tt.keyword, tt.addr)
		if err != nil {
			t.Errorf("ParseEntry(%q, %q): %v", tt.keyword, tt.addr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseEntry(%q, %q): got %+v, want %+v", tt.keyword, tt.addr, got, tt.want)
		}
	}
}

func TestParseEntryErrors(t *testing.T) {
	for _, tt := range [][2]string{
		{"BOGUS", "host:1"},
		{"DIRECT", "host:1"},
		{"PROXY", ""},
		{"PROXY", ":3128"},
	} {
		if _, err := route.ParseEntry(tt[0], tt[1]); err == nil {
			t.Errorf("ParseEntry(%q, %q): expected error", tt[0], tt[1])
		}
	}
}

func TestEntry(t *testing.T) {
	e := route.Proxied(route.KindHTTP, "::1", "3128")
	if got := e.Addr(); got != "[::1]:3128" {
		t.Errorf("Addr: got %q", got)
	}
	if got := e.String(); got != "HTTP [::1]:3128" {
		t.Errorf("String: got %q", got)
	}
	if !e.Supported() || !route.Direct.Supported() {
		t.Error("HTTP and DIRECT entries must be supported")
	}
	for _, k := range []route.Kind{route.KindHTTPS, route.KindSocks, route.KindSocks4, route.KindSocks5} {
		if route.Proxied(k, "h", "1").Supported() {
			t.Errorf("%s should be unsupported", k)
		}
	}

	r := route.Route{route.Proxied(route.KindProxy, "a", "1"), route.Direct}
	if got := r.String(); got != "PROXY a:1; DIRECT" {
		t.Errorf("Route.String: got %q", got)
	}
}

func TestConnectTarget(t *testing.T) {
	tests := []struct {
		authority string
		wantURL   string
		wantHost  string
	}{
		{"example.com:443", "https://example.com/", "example.com"},
		{"example.com:8443", "http://example.com:8443/", "example.com"},
		{"[2001:db8::1]:443", "https://[2001:db8::1]/", "2001:db8::1"},
	}
	for _, tt := range tests {
		got, err := route.ConnectTarget(tt.authority)
		if err != nil {
			t.Fatalf("ConnectTarget(%q): %v", tt.authority, err)
		}
		if got.URL != tt.wantURL || got.Host != tt.wantHost || got.Authority != tt.authority {
			t.Errorf("ConnectTarget(%q): got %+v", tt.authority, got)
		}
	}

	for _, bad := range []string{"", "example.com", "/not-an-authority", ":443", "example.com:0", "example.com:http"} {
		_, err := route.ConnectTarget(bad)
		var mt *route.MalformedTargetError
		if !errors.As(err, &mt) {
			t.Errorf("ConnectTarget(%q): got %v, want MalformedTargetError", bad, err)
		}
	}
}

func TestForwardTarget(t *testing.T) {
	u, _ := url.Parse("http://example.com/path?q=1")
	got, err := route.ForwardTarget(u)
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != "http://example.com/path?q=1" || got.Host != "example.com" || got.Authority != "example.com:80" {
		t.Errorf("got %+v", got)
	}

	rel, _ := url.Parse("/path")
	if _, err := route.ForwardTarget(rel); err == nil {
		t.Error("expected error for origin-form URL")
	}
	ftp, _ := url.Parse("ftp://example.com/")
	if _, err := route.ForwardTarget(ftp); err == nil {
		t.Error("expected error for ftp URL")
	}
	portOnly, _ := url.Parse("http://:8100/")
	_, err = route.ForwardTarget(portOnly)
	var mt *route.MalformedTargetError
	if !errors.As(err, &mt) {
		t.Errorf("port-only authority: got %v, want MalformedTargetError", err)
	}
}

// Package route holds the routing data model shared by the resolvers and the
// proxy: an ordered list of candidate paths for one target.
package route

import (
	"fmt"
	"net"
	"strings"
)

// Kind is the type of a proxied route entry, as named by a PAC directive.
type Kind int

const (
	KindProxy Kind = iota + 1
	KindHTTP
	KindHTTPS
	KindSocks
	KindSocks4
	KindSocks5
)

var kindNames = map[Kind]string{
	KindProxy:  "PROXY",
	KindHTTP:   "HTTP",
	KindHTTPS:  "HTTPS",
	KindSocks:  "SOCKS",
	KindSocks4: "SOCKS4",
	KindSocks5: "SOCKS5",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// defaultPort is used when a directive omits the port.
func (k Kind) defaultPort() string {
	switch k {
	case KindHTTPS:
		return "443"
	case KindSocks, KindSocks4, KindSocks5:
		return "1080"
	default:
		return "80"
	}
}

// Entry is one candidate path: either DIRECT or through an upstream at
// Host:Port.
type Entry struct {
	Direct bool
	Kind   Kind
	Host   string
	Port   string
}

// Direct is the entry for connecting straight to the target.
var Direct = Entry{Direct: true}

// Proxied returns an entry relaying through the upstream at host:port.
func Proxied(kind Kind, host, port string) Entry {
	return Entry{Kind: kind, Host: host, Port: port}
}

// Addr returns the upstream host:port, or "" for DIRECT.
func (e Entry) Addr() string {
	if e.Direct {
		return ""
	}
	return net.JoinHostPort(e.Host, e.Port)
}

// Supported reports whether the proxy can relay through this entry. Only
// plain HTTP upstreams are implemented.
func (e Entry) Supported() bool {
	return e.Direct || e.Kind == KindProxy || e.Kind == KindHTTP
}

// String renders the entry in PAC directive form.
func (e Entry) String() string {
	if e.Direct {
		return "DIRECT"
	}
	return e.Kind.String() + " " + e.Addr()
}

// Route is the ordered preference list for one request. It is consumed left
// to right and never reused.
type Route []Entry

// String renders the route the way FindProxyForURL would return it.
func (r Route) String() string {
	parts := make([]string, len(r))
	for i, e := range r {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}

// ParseKind maps a PAC directive keyword such as "PROXY" or "SOCKS5" to its
// Kind. Matching is case-insensitive.
func ParseKind(s string) (Kind, bool) {
	return parseKind(strings.ToUpper(s))
}

// ParseEntry builds a proxied entry from a directive keyword and its
// address. A missing port defaults per kind.
func ParseEntry(keyword, addr string) (Entry, error) {
	kind, ok := ParseKind(keyword)
	if !ok {
		return Entry{}, fmt.Errorf("unknown PAC directive %q", keyword)
	}
	if addr == "" {
		return Entry{}, fmt.Errorf("malformed PAC directive %q: missing address", keyword)
	}
	host, port, err := splitHostDefaultPort(addr, kind.defaultPort())
	if err != nil {
		return Entry{}, fmt.Errorf("malformed PAC directive %q: %w", keyword+" "+addr, err)
	}
	return Proxied(kind, host, port), nil
}

func parseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

func splitHostDefaultPort(hostport, port string) (string, string, error) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port: accept a bare host or a bracketed IPv6 literal.
		host = strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
		if host == "" || strings.ContainsAny(host, "[]") {
			return "", "", err
		}
		return host, port, nil
	}
	if host == "" {
		return "", "", fmt.Errorf("missing host in %q", hostport)
	}
	if p == "" {
		p = port
	}
	return host, p, nil
}

package route

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Target is a request destination normalized for route lookup.
type Target struct {
	// URL is the absolute URL handed to FindProxyForURL.
	URL string
	// Host is the bare host name or IP literal.
	Host string
	// Authority is the host:port the proxy connects to for DIRECT.
	Authority string
}

// MalformedTargetError reports a CONNECT authority or request URL that cannot
// be used as a destination.
type MalformedTargetError struct {
	Target string
	Reason string
}

func (e *MalformedTargetError) Error() string {
	return fmt.Sprintf("malformed target %q: %s", e.Target, e.Reason)
}

// ConnectTarget validates a CONNECT authority ("host:port") and builds the
// lookup target. Port 443 implies an https URL, anything else http.
func ConnectTarget(authority string) (Target, error) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		return Target{}, &MalformedTargetError{Target: authority, Reason: "CONNECT must be to a host:port authority"}
	}
	if host == "" {
		return Target{}, &MalformedTargetError{Target: authority, Reason: "missing host"}
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return Target{}, &MalformedTargetError{Target: authority, Reason: "invalid port"}
	}

	u := url.URL{Scheme: "http", Host: net.JoinHostPort(host, port), Path: "/"}
	if port == "443" {
		u.Scheme = "https"
		u.Host = hostForURL(host)
	}
	return Target{URL: u.String(), Host: host, Authority: net.JoinHostPort(host, port)}, nil
}

// ForwardTarget builds the lookup target for an absolute-form request URL.
func ForwardTarget(u *url.URL) (Target, error) {
	if u == nil || !u.IsAbs() || u.Host == "" {
		s := ""
		if u != nil {
			s = u.String()
		}
		return Target{}, &MalformedTargetError{Target: s, Reason: "proxy requests must use an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, &MalformedTargetError{Target: u.String(), Reason: "unsupported scheme " + u.Scheme}
	}

	host := u.Hostname()
	if host == "" {
		return Target{}, &MalformedTargetError{Target: u.String(), Reason: "missing host"}
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return Target{URL: u.String(), Host: host, Authority: net.JoinHostPort(host, port)}, nil
}

func hostForURL(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "[" + host + "]"
	}
	return host
}

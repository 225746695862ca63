// Package dialer opens the outbound leg of a request: a direct TCP
// connection, or a tunnel through an HTTP upstream proxy negotiated with
// CONNECT.
package dialer

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds outbound connection settings.
type Config struct {
	// DialTimeout bounds DNS lookup and TCP connect.
	DialTimeout time.Duration
	// NegotiationTimeout bounds the CONNECT exchange with an upstream.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
}

type directDialer struct {
	cfg Config
}

// NewDirect returns a Dialer that connects straight to the address.
func NewDirect(cfg Config) Dialer {
	return &directDialer{cfg: cfg}
}

// keepAliveOff turns off the keepalive the net package enables by default
// when the config leaves it disabled.
func keepAliveOff(ka net.KeepAliveConfig) time.Duration {
	if ka.Enable {
		return 0
	}
	return -1
}

// ListenConfig returns a net.ListenConfig applying ka to accepted
// connections.
func ListenConfig(ka net.KeepAliveConfig) net.ListenConfig {
	return net.ListenConfig{KeepAlive: keepAliveOff(ka), KeepAliveConfig: ka}
}

func (d *directDialer) netDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:         d.cfg.DialTimeout,
		KeepAlive:       keepAliveOff(d.cfg.KeepAlive),
		KeepAliveConfig: d.cfg.KeepAlive,
	}
}

func (d *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	nd := d.netDialer()

	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return conn, nil
}

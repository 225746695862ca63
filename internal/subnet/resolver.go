package subnet

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/goodtune/pacrelay/internal/route"
)

// AddrFunc reports the proxy's current outbound address in each family.
type AddrFunc func() (v4, v6 netip.Addr)

// Resolver answers routing queries from a Table. Lookups are pure reads of an
// immutable table, so it needs no confinement; Reload swaps the table
// atomically.
type Resolver struct {
	path  string
	table atomic.Pointer[Table]
	addrs AddrFunc
}

// NewResolver loads the table at path. A load failure is fatal to startup.
// If addrs is nil the outbound address is detected per query.
func NewResolver(path string, addrs AddrFunc) (*Resolver, error) {
	t, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if addrs == nil {
		addrs = DetectOutbound
	}
	r := &Resolver{path: path, addrs: addrs}
	r.table.Store(t)
	return r, nil
}

// Resolve returns the route for the proxy's own address. The target does not
// influence the result.
func (r *Resolver) Resolve(ctx context.Context, _ route.Target) (route.Route, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v4, v6 := r.addrs()
	return r.table.Load().Lookup(v4, v6), nil
}

// Reload re-reads the table file. The previous table stays in service if the
// new one is invalid.
func (r *Resolver) Reload(context.Context) error {
	t, err := LoadFile(r.path)
	if err != nil {
		return err
	}
	r.table.Store(t)
	return nil
}

// Source returns the table path.
func (r *Resolver) Source() string {
	return r.path
}

// Route lookup destinations in the documentation ranges. Connecting a UDP socket
// only consults the routing table; nothing is sent.
const (
	lookupV4 = "192.0.2.1:9"
	lookupV6 = "[2001:db8::1]:9"
)

// DetectOutbound returns the local addresses the kernel would use to reach
// the internet in each family.
func DetectOutbound() (v4, v6 netip.Addr) {
	return localAddrFor("udp4", lookupV4), localAddrFor("udp6", lookupV6)
}

func localAddrFor(network, addr string) netip.Addr {
	c, err := net.Dial(network, addr)
	if err != nil {
		return netip.Addr{}
	}
	defer c.Close()
	ap, err := netip.ParseAddrPort(c.LocalAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

// StaticAddrs returns an AddrFunc reporting fixed addresses, for hosts where
// detection picks the wrong interface.
func StaticAddrs(addrs ...string) (AddrFunc, error) {
	var v4, v6 netip.Addr
	for _, s := range addrs {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("outbound address: %w", err)
		}
		a = a.Unmap()
		if a.Is4() {
			v4 = a
		} else {
			v6 = a
		}
	}
	return func() (netip.Addr, netip.Addr) { return v4, v6 }, nil
}

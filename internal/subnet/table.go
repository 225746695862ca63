// Package subnet routes requests through an upstream chosen by the subnet the
// proxy itself is currently attached to.
//
// A table maps IPv4 and IPv6 CIDR blocks to upstream host:port strings. The
// proxy's own outbound address is matched against it; every matching block
// contributes an upstream, most specific first. Tables are loaded from TOML
// or YAML:
//
//	fallback_direct = true
//
//	[ipv4]
//	"10.20.0.0/16" = "proxy.office.example:3128"
//
//	[ipv6]
//	"2001:db8:20::/48" = "proxy.office.example:3128"
package subnet

import (
	"cmp"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/goodtune/pacrelay/internal/route"
)

// Rule maps one prefix to an upstream.
type Rule struct {
	Prefix   netip.Prefix
	Upstream route.Entry
}

// Table is an immutable, validated subnet table. Rules of each family are
// sorted most specific first.
type Table struct {
	V4             []Rule
	V6             []Rule
	FallbackDirect bool
}

type fileFormat struct {
	FallbackDirect bool              `toml:"fallback_direct" yaml:"fallback_direct"`
	IPv4           map[string]string `toml:"ipv4" yaml:"ipv4"`
	IPv6           map[string]string `toml:"ipv6" yaml:"ipv6"`
}

// LoadFile reads a table. Files ending in .yaml or .yml are parsed as YAML,
// anything else as TOML.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading subnet table %q: %w", path, err)
	}

	var f fileFormat
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		_, err = toml.Decode(string(data), &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing subnet table %q: %w", path, err)
	}

	t, err := build(f)
	if err != nil {
		return nil, fmt.Errorf("subnet table %q: %w", path, err)
	}
	return t, nil
}

func build(f fileFormat) (*Table, error) {
	v4, err := buildRules(f.IPv4, true)
	if err != nil {
		return nil, fmt.Errorf("ipv4: %w", err)
	}
	v6, err := buildRules(f.IPv6, false)
	if err != nil {
		return nil, fmt.Errorf("ipv6: %w", err)
	}
	return &Table{V4: v4, V6: v6, FallbackDirect: f.FallbackDirect}, nil
}

func buildRules(m map[string]string, v4 bool) ([]Rule, error) {
	rules := make([]Rule, 0, len(m))
	for cidr, upstream := range m {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, err
		}
		if p.Addr().Is4() != v4 {
			return nil, fmt.Errorf("%s is in the wrong address family", cidr)
		}
		host, port, err := net.SplitHostPort(upstream)
		if err != nil || host == "" || port == "" {
			return nil, fmt.Errorf("%s: upstream %q is not host:port", cidr, upstream)
		}
		rules = append(rules, Rule{Prefix: p.Masked(), Upstream: route.Proxied(route.KindHTTP, host, port)})
	}

	// Map order is random; sort so lookups are deterministic.
	slices.SortFunc(rules, func(a, b Rule) int {
		if c := cmp.Compare(b.Prefix.Bits(), a.Prefix.Bits()); c != 0 {
			return c
		}
		return a.Prefix.Addr().Compare(b.Prefix.Addr())
	})
	return rules, nil
}

// Lookup returns the route for a host attached at the given addresses. Either
// address may be invalid when the host has no address in that family.
func (t *Table) Lookup(v4, v6 netip.Addr) route.Route {
	var r route.Route
	seen := make(map[route.Entry]bool)
	add := func(rules []Rule, addr netip.Addr) {
		if !addr.IsValid() {
			return
		}
		for _, rule := range rules {
			if rule.Prefix.Contains(addr) && !seen[rule.Upstream] {
				seen[rule.Upstream] = true
				r = append(r, rule.Upstream)
			}
		}
	}
	add(t.V4, v4.Unmap())
	add(t.V6, v6)

	if len(r) == 0 || t.FallbackDirect {
		r = append(r, route.Direct)
	}
	return r
}

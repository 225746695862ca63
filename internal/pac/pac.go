// Package pac evaluates Proxy Auto-Configuration scripts.
//
// An Evaluator embeds a JavaScript runtime and is not safe for concurrent
// use. Share it through resolver.Actor, which confines it to one goroutine.
package pac

import (
	"fmt"

	"github.com/darren/gpac"

	"github.com/goodtune/pacrelay/internal/route"
)

// Evaluator wraps a gpac.Parser loaded from a file path or URL.
type Evaluator struct {
	parser *gpac.Parser
	source string
}

// New creates an Evaluator from a file path or URL.
func New(source string) (*Evaluator, error) {
	parser, err := gpac.From(source)
	if err != nil {
		return nil, fmt.Errorf("loading PAC from %q: %w", source, err)
	}
	return &Evaluator{parser: parser, source: source}, nil
}

// Evaluate runs FindProxyForURL and returns every directive in order.
// host is implied by url for gpac; it is accepted so callers can pass the
// same pair a browser would.
func (e *Evaluator) Evaluate(url, host string) (route.Route, error) {
	proxies, err := e.parser.FindProxy(url)
	if err != nil {
		return nil, fmt.Errorf("FindProxy(%q): %w", url, err)
	}
	r, err := toRoute(proxies)
	if err != nil {
		return nil, fmt.Errorf("FindProxy(%q, %q): %w", url, host, err)
	}
	return r, nil
}

// toRoute converts gpac's decoded directives. Credentials embedded in an
// address are dropped.
func toRoute(proxies []*gpac.Proxy) (route.Route, error) {
	r := make(route.Route, 0, len(proxies))
	for _, p := range proxies {
		if p.IsDirect() {
			if p.Address != "" {
				return nil, fmt.Errorf("malformed PAC directive %q", p.String())
			}
			r = append(r, route.Direct)
			continue
		}
		e, err := route.ParseEntry(p.Type, p.Address)
		if err != nil {
			return nil, err
		}
		r = append(r, e)
	}
	return r, nil
}

// Source returns the configured PAC source path or URL.
func (e *Evaluator) Source() string {
	return e.source
}

package proxy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goodtune/pacrelay/internal/route"
)

// ErrNoRoute matches every *NoRouteError.
var ErrNoRoute = errors.New("no route found")

// EntryError records why one route entry could not be used.
type EntryError struct {
	Entry route.Entry
	Err   error
}

func (e EntryError) Error() string {
	return e.Entry.String() + ": " + e.Err.Error()
}

// NoRouteError is returned when a route is exhausted without a working
// entry. Failures is empty for an empty route.
type NoRouteError struct {
	Failures []EntryError
	// Cause is set when the walk stopped early, e.g. the client went away.
	Cause error
}

func (e *NoRouteError) Error() string {
	var b strings.Builder
	b.WriteString(ErrNoRoute.Error())
	if e.Cause != nil {
		fmt.Fprintf(&b, " (%v)", e.Cause)
	}
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(f.Error())
	}
	return b.String()
}

func (e *NoRouteError) Is(target error) bool {
	return target == ErrNoRoute
}

func (e *NoRouteError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// UnsupportedKindError is a connector failure for route entries naming a
// proxy type this server cannot speak, such as SOCKS or HTTPS upstreams.
type UnsupportedKindError struct {
	Entry route.Entry
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("unsupported proxy kind %s for %s", e.Entry.Kind, e.Entry.Addr())
}

// permanentError stops the fallback walk: the attempt consumed state, such
// as the request body, that a later entry would need.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

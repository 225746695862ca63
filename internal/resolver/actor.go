// Package resolver serializes routing queries to an evaluator that must not be
// called concurrently, such as an embedded PAC script engine.
//
// Start launches a single goroutine that loads the evaluator and owns it for
// the rest of its life. Callers never touch the evaluator; they send a query
// over a bounded FIFO channel and wait for exactly one reply.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goodtune/pacrelay/internal/metrics"
	"github.com/goodtune/pacrelay/internal/route"
)

// DefaultQueueSize bounds the number of in-flight routing queries.
const DefaultQueueSize = 128

var (
	// ErrStartup wraps a failure to load the evaluator at startup.
	ErrStartup = errors.New("resolver startup failed")

	// ErrUnavailable is returned once the actor has stopped.
	ErrUnavailable = errors.New("route resolver unavailable")
)

// ResolutionError reports a single failed routing query. The actor keeps
// serving after it.
type ResolutionError struct {
	Target string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving route for %s: %v", e.Target, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Evaluator answers one routing query. Implementations need not be safe for
// concurrent use.
type Evaluator interface {
	Evaluate(url, host string) (route.Route, error)
}

// Loader builds a fresh Evaluator. It is always called on the actor goroutine.
type Loader func() (Evaluator, error)

type result struct {
	route route.Route
	err   error
}

type query struct {
	target route.Target
	reply  chan<- result
}

// Actor owns an Evaluator on a single goroutine.
type Actor struct {
	queries chan query
	reloads chan chan error
	done    chan struct{}
	logger  *slog.Logger
}

// Option configures an Actor.
type Option func(*Actor)

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(a *Actor) {
		if n > 0 {
			a.queries = make(chan query, n)
		}
	}
}

// WithLogger sets the logger used for per-query failures.
func WithLogger(l *slog.Logger) Option {
	return func(a *Actor) {
		if l != nil {
			a.logger = l
		}
	}
}

// Start launches the actor and blocks until load has returned. A load error
// is fatal: no goroutine is left running and the error wraps ErrStartup.
// The actor stops when ctx is cancelled.
func Start(ctx context.Context, load Loader, opts ...Option) (*Actor, error) {
	a := &Actor{
		queries: make(chan query, DefaultQueueSize),
		reloads: make(chan chan error),
		done:    make(chan struct{}),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	started := make(chan error, 1)
	go a.run(ctx, load, started)

	if err := <-started; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	return a, nil
}

func (a *Actor) run(ctx context.Context, load Loader, started chan<- error) {
	defer close(a.done)

	eval, err := safeLoad(load)
	if err != nil {
		started <- err
		return
	}
	started <- nil

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-a.queries:
			metrics.ResolverQueueDepth.Set(float64(len(a.queries)))
			q.reply <- a.evaluate(eval, q.target)
		case reply := <-a.reloads:
			next, err := safeLoad(load)
			if err == nil {
				eval = next
			}
			reply <- err
		}
	}
}

func safeLoad(load Loader) (eval Evaluator, err error) {
	defer func() {
		if p := recover(); p != nil {
			eval, err = nil, fmt.Errorf("loader panic: %v", p)
		}
	}()
	return load()
}

// evaluate runs one query, turning evaluator errors and panics into a
// ResolutionError so the loop survives a misbehaving script.
func (a *Actor) evaluate(eval Evaluator, t route.Target) (res result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = result{err: &ResolutionError{Target: t.URL, Err: fmt.Errorf("evaluator panic: %v", p)}}
		}
		status := "success"
		if res.err != nil {
			status = "failure"
			a.logger.Warn("route resolution failed", "url", t.URL, "error", res.err)
		}
		metrics.ResolveDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	r, err := eval.Evaluate(t.URL, t.Host)
	if err != nil {
		return result{err: &ResolutionError{Target: t.URL, Err: err}}
	}
	return result{route: r}
}

// Resolve asks the actor for the route to t. It suspends while the queue is
// full and returns ErrUnavailable if the actor has stopped.
func (a *Actor) Resolve(ctx context.Context, t route.Target) (route.Route, error) {
	reply := make(chan result, 1)

	select {
	case a.queries <- query{target: t, reply: reply}:
		metrics.ResolverQueueDepth.Set(float64(len(a.queries)))
	case <-a.done:
		return nil, ErrUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.route, res.err
	case <-a.done:
		// The reply may have raced with shutdown.
		select {
		case res := <-reply:
			return res.route, res.err
		default:
			return nil, ErrUnavailable
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reload runs the loader again on the actor goroutine. On failure the
// current evaluator stays in service.
func (a *Actor) Reload(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case a.reloads <- reply:
	case <-a.done:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-a.done:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the actor has exited.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

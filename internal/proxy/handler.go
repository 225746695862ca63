package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/goodtune/pacrelay/internal/dialer"
	"github.com/goodtune/pacrelay/internal/logging"
	"github.com/goodtune/pacrelay/internal/metrics"
	"github.com/goodtune/pacrelay/internal/resolver"
	"github.com/goodtune/pacrelay/internal/route"
)

// DefaultUserAgent is sent on upstream CONNECT requests when the client did
// not send one.
const DefaultUserAgent = "pacrelay/1.0"

// Resolver returns the ordered route for a target. resolver.Actor and
// subnet.Resolver implement it.
type Resolver interface {
	Resolve(ctx context.Context, t route.Target) (route.Route, error)
}

// Handler is the main proxy HTTP handler.
type Handler struct {
	resolver    Resolver
	logger      *slog.Logger
	dialCfg     dialer.Config
	direct      dialer.Dialer
	transport   *http.Transport
	idleTimeout time.Duration
	resolveWait time.Duration
	userAgent   string
}

// Option configures a Handler.
type Option func(*Handler)

// WithDialConfig sets outbound dial and negotiation timeouts.
func WithDialConfig(cfg dialer.Config) Option {
	return func(h *Handler) { h.dialCfg = cfg }
}

// WithIdleTimeout closes tunnels that move no data for d. Zero disables.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Handler) { h.idleTimeout = d }
}

// WithResolveTimeout bounds how long a request waits for its route. Zero
// waits as long as the client does.
func WithResolveTimeout(d time.Duration) Option {
	return func(h *Handler) { h.resolveWait = d }
}

// WithUserAgent overrides DefaultUserAgent. An empty ua is ignored.
func WithUserAgent(ua string) Option {
	return func(h *Handler) {
		if ua != "" {
			h.userAgent = ua
		}
	}
}

// NewHandler creates a new proxy handler.
func NewHandler(r Resolver, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		resolver:  r,
		logger:    logger,
		dialCfg:   dialer.Config{DialTimeout: 10 * time.Second, NegotiationTimeout: 10 * time.Second},
		userAgent: DefaultUserAgent,
	}
	for _, o := range opts {
		o(h)
	}
	h.direct = dialer.NewDirect(h.dialCfg)
	h.transport = newDirectTransport(h.direct, h.dialCfg)
	return h
}

// Close releases idle pooled connections of the direct forwarding client.
func (h *Handler) Close() {
	h.transport.CloseIdleConnections()
}

// ServeHTTP routes requests to the appropriate handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	rs := &requestState{id: uuid.NewString(), start: time.Now()}
	if r.Method == http.MethodConnect {
		h.handleTunnel(w, r, rs)
	} else {
		h.handleForward(w, r, rs)
	}
	h.finish(r, rs)
}

// requestState accumulates what one request did, for the access log and
// metrics.
type requestState struct {
	id       string
	start    time.Time
	target   route.Target
	route    route.Route
	chosen   *route.Entry
	attempts int
	status   int
	sent     int64
	recv     int64
	err      error
}

// chose records the outcome of a fallback walk.
func (rs *requestState) chose(rt route.Route, idx int, err error) {
	rs.route = rt
	if idx >= 0 {
		rs.chosen = &rt[idx]
		rs.attempts = idx + 1
		return
	}
	var nr *NoRouteError
	if errors.As(err, &nr) {
		rs.attempts = len(nr.Failures)
	}
}

func (rs *requestState) routeLabel() string {
	switch {
	case rs.chosen == nil:
		return "none"
	case rs.chosen.Direct:
		return "direct"
	default:
		return "upstream"
	}
}

func (rs *requestState) upstream() string {
	switch {
	case rs.chosen == nil:
		return ""
	case rs.chosen.Direct:
		return "direct"
	default:
		return rs.chosen.Addr()
	}
}

// resolve asks the resolver for the request's route and maps failures to the
// status the client should see.
func (h *Handler) resolve(ctx context.Context, rs *requestState) (route.Route, int, error) {
	if h.resolveWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.resolveWait)
		defer cancel()
	}
	rt, err := h.resolver.Resolve(ctx, rs.target)
	switch {
	case err == nil:
		return rt, 0, nil
	case errors.Is(err, resolver.ErrUnavailable):
		h.logger.Error("route resolver unavailable", "request_id", rs.id, "error", err)
		return nil, http.StatusServiceUnavailable, err
	default:
		return nil, http.StatusBadGateway, err
	}
}

// fail answers a request that never reached its destination.
func (h *Handler) fail(w http.ResponseWriter, rs *requestState, code int, err error) {
	rs.status = code
	rs.err = err

	msg := err.Error()
	if errors.Is(err, ErrNoRoute) {
		msg = "no route to " + rs.target.Authority + ": " + msg
	}
	http.Error(w, msg, code)
}

func (h *Handler) finish(r *http.Request, rs *requestState) {
	duration := time.Since(rs.start)
	label := rs.routeLabel()
	outcome := "success"
	if rs.err != nil {
		outcome = "error"
	}

	metrics.RequestsTotal.WithLabelValues(r.Method, label, outcome).Inc()
	metrics.RequestDuration.WithLabelValues(r.Method, label).Observe(duration.Seconds())
	if rs.target.Host != "" {
		metrics.RequestsByDomain.WithLabelValues(rs.target.Host, label).Inc()
	}
	metrics.BytesSent.WithLabelValues(label).Add(float64(rs.sent))
	metrics.BytesReceived.WithLabelValues(label).Add(float64(rs.recv))

	logging.LogRequest(h.logger, logging.RequestEntry{
		RequestID:  rs.id,
		ClientIP:   clientIP(r),
		Method:     r.Method,
		Host:       rs.target.Host,
		URL:        rs.target.URL,
		Route:      rs.route.String(),
		Upstream:   rs.upstream(),
		Attempts:   rs.attempts,
		StatusCode: rs.status,
		Duration:   duration,
		BytesSent:  rs.sent,
		BytesRecv:  rs.recv,
		Err:        rs.err,
	})
}

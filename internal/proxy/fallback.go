package proxy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/goodtune/pacrelay/internal/metrics"
	"github.com/goodtune/pacrelay/internal/route"
)

// attempt walks rt in order and returns the first value connect produces,
// along with the index of the entry that produced it. Failed entries are
// logged and never retried. An exhausted or empty route yields a
// *NoRouteError.
func attempt[T any](ctx context.Context, logger *slog.Logger, rt route.Route, connect func(context.Context, route.Entry) (T, error)) (T, int, error) {
	var zero T
	var failures []EntryError

	for i, e := range rt {
		if err := ctx.Err(); err != nil {
			return zero, -1, &NoRouteError{Failures: failures, Cause: err}
		}

		v, err := connect(ctx, e)
		if err == nil {
			metrics.RouteAttempts.WithLabelValues(kindLabel(e), "success").Inc()
			return v, i, nil
		}

		metrics.RouteAttempts.WithLabelValues(kindLabel(e), "failure").Inc()
		logger.Warn("route entry failed", "entry", e.String(), "position", i, "error", err)
		failures = append(failures, EntryError{Entry: e, Err: err})

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, -1, &NoRouteError{Failures: failures, Cause: perm.err}
		}
	}
	return zero, -1, &NoRouteError{Failures: failures}
}

func kindLabel(e route.Entry) string {
	if e.Direct {
		return "DIRECT"
	}
	return e.Kind.String()
}

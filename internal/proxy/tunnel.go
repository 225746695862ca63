package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/goodtune/pacrelay/internal/metrics"
	"github.com/goodtune/pacrelay/internal/route"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handleTunnel handles CONNECT requests.
//
// The outbound leg is fully established (for a chained tunnel, the upstream
// has accepted the inner CONNECT) before the client connection is hijacked
// and told the tunnel is ready. Any failure before that point is answered
// with an ordinary error response.
func (h *Handler) handleTunnel(w http.ResponseWriter, r *http.Request, rs *requestState) {
	target, err := route.ConnectTarget(r.URL.Host)
	if err != nil {
		rs.target = route.Target{Authority: r.URL.Host}
		h.fail(w, rs, http.StatusBadRequest, err)
		return
	}
	rs.target = target

	ctx := r.Context()
	rt, code, err := h.resolve(ctx, rs)
	if err != nil {
		h.fail(w, rs, code, err)
		return
	}

	upstream, idx, err := attempt(ctx, h.logger, rt, func(ctx context.Context, e route.Entry) (net.Conn, error) {
		p, err := h.pathFor(e)
		if err != nil {
			return nil, err
		}
		return p.tunnel(ctx, target.Authority, r)
	})
	rs.chose(rt, idx, err)
	if err != nil {
		h.fail(w, rs, http.StatusBadGateway, err)
		return
	}

	client, err := hijack(w)
	if err != nil {
		_ = upstream.Close()
		h.logger.Error("upgrade failed", "request_id", rs.id, "error", err)
		h.fail(w, rs, http.StatusInternalServerError, err)
		return
	}

	if _, err := io.WriteString(client, connectEstablished); err != nil {
		_ = client.Close()
		_ = upstream.Close()
		rs.err = fmt.Errorf("writing CONNECT response: %w", err)
		return
	}
	rs.status = http.StatusOK

	metrics.ActiveTunnels.Inc()
	defer metrics.ActiveTunnels.Dec()

	st, err := CopyBidirectional(ctx, client, upstream, h.idleTimeout)
	rs.recv, rs.sent = st.Up, st.Down
	if err != nil {
		h.logger.Debug("tunnel closed with error", "request_id", rs.id, "target", target.Authority, "error", err)
		rs.err = err
	}
}

// hijack takes over the client connection. Bytes the server already read
// past the CONNECT request head are replayed first.
func hijack(w http.ResponseWriter) (net.Conn, error) {
	conn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return nil, fmt.Errorf("hijacking connection: %w", err)
	}
	if brw.Reader.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: brw.Reader}, nil
	}
	return conn, nil
}

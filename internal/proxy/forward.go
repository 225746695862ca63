package proxy

import (
	"context"
	"io"
	"net"
	"net/http"

	"github.com/goodtune/pacrelay/internal/route"
)

// Hop-by-hop headers that must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// handleForward handles absolute-form requests for any method but CONNECT.
func (h *Handler) handleForward(w http.ResponseWriter, r *http.Request, rs *requestState) {
	target, err := route.ForwardTarget(r.URL)
	if err != nil {
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

	var body *trackedBody
	if r.Body != nil && r.Body != http.NoBody {
		body = &trackedBody{ReadCloser: r.Body}
	}

	resp, idx, err := attempt(ctx, h.logger, rt, func(ctx context.Context, e route.Entry) (*http.Response, error) {
		p, err := h.pathFor(e)
		if err != nil {
			return nil, err
		}
		resp, err := p.roundTrip(ctx, outboundRequest(ctx, r, body))
		if err != nil && body != nil && body.touched.Load() {
			return nil, &permanentError{err: err}
		}
		return resp, err
	})
	rs.chose(rt, idx, err)
	if err != nil {
		h.fail(w, rs, http.StatusBadGateway, err)
		return
	}
	defer resp.Body.Close()

	removeHopByHop(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	rs.status = resp.StatusCode

	n, err := io.Copy(w, resp.Body)
	rs.sent = n
	if body != nil {
		rs.recv = body.n.Load()
	}
	if err != nil {
		h.logger.Debug("copying response body failed", "request_id", rs.id, "error", err)
		rs.err = err
	}
}

// outboundRequest clones r for one attempt.
func outboundRequest(ctx context.Context, r *http.Request, body *trackedBody) *http.Request {
	out := r.Clone(ctx)
	out.RequestURI = ""
	out.Close = false
	if body != nil {
		out.Body = body
	} else {
		out.Body = nil
	}
	removeHopByHop(out.Header)
	// Keep the client's (absent) User-Agent rather than Go's default.
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header.Set("User-Agent", "")
	}
	return out
}

func removeHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

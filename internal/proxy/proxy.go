// Package proxy implements C7: a transparent, streaming reverse proxy.
// Adapted from the teacher's internal/sop/proxy.go, which builds an
// httputil.ReverseProxy over a shared *http.Transport; this version drops
// the Redis-backed speculative-sequestration mode (out of scope here) and
// generalizes hop-by-hop header stripping to both directions per
// spec.md §4.7.
package proxy

import (
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// ErrUpstreamUnreachable is surfaced when the transport fails before any
// response headers are received (maps to HTTP 502 per spec.md §4.7/§7).
var ErrUpstreamUnreachable = errors.New("upstream_unreachable")

// hopByHopHeaders are stripped in both directions, case-insensitively, per
// RFC 2616 and spec.md §4.7.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// Proxy forwards requests to a per-request upstream base URL using a
// single shared outbound *http.Client across all requests.
type Proxy struct {
	client *http.Client
}

// Config bounds the shared outbound transport.
type Config struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
}

// New builds a Proxy with a bounded connection pool and a hard per-request
// timeout (spec.md §4.7: "timeout 30 s total per forwarded request").
func New(cfg Config) *Proxy {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Proxy{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			// The proxy forwards upstream's response (including any
			// redirect) verbatim rather than following it itself.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// BuildUpstreamURL constructs upstream_base_url + "/" + raw_path (with its
// query string), per spec.md §4.7: "trim_trailing_slash(base) +
// '/' + raw_path". No further normalization of the path is performed —
// the raw path (including any /api/v1 prefix) is preserved unmutated.
func BuildUpstreamURL(base, rawPathAndQuery string) (string, error) {
	trimmed := strings.TrimRight(base, "/")
	path := rawPathAndQuery
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	full := trimmed + path
	if _, err := url.Parse(full); err != nil {
		return "", err
	}
	return full, nil
}

// Forward streams inbound to upstreamURL and writes the upstream response
// back to w, without ever buffering either body to memory. It returns the
// status code that was actually sent to the client (for audit purposes)
// and an error classifying any transport failure.
//
// On a failure before response headers arrive, it writes nothing to w and
// returns ErrUpstreamUnreachable, leaving the caller free to write its own
// error response. On a failure mid-body (after headers are already
// flushed), it simply stops copying — the client sees a truncated body and
// the caller should record the status code that was already written.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, upstreamURL string) (statusCode int, err error) {
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		return 0, err
	}
	outReq.Header = r.Header.Clone()
	stripHopByHop(outReq.Header)
	outReq.ContentLength = r.ContentLength

	resp, err := p.client.Do(outReq)
	if err != nil {
		return 0, ErrUpstreamUnreachable
	}
	defer resp.Body.Close()

	outHeader := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			outHeader.Add(k, v)
		}
	}
	stripHopByHop(outHeader)

	w.WriteHeader(resp.StatusCode)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	// Stream the body without buffering. A mid-stream error here is not
	// reported as ErrUpstreamUnreachable — headers (and the status code)
	// are already committed, so the caller records resp.StatusCode as the
	// observed outcome and the connection is simply terminated.
	_, _ = io.Copy(w, resp.Body)

	return resp.StatusCode, nil
}

// NewReverseProxy exposes the same behavior as an httputil.ReverseProxy,
// for callers (tests, alternate entrypoints) that want the stdlib
// interface directly rather than Proxy.Forward's explicit return values.
func (p *Proxy) NewReverseProxy(upstreamURL string) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, err
	}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = p.client.Transport
	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalDirector(req)
		stripHopByHop(req.Header)
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		stripHopByHop(resp.Header)
		return nil
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusBadGateway)
	}
	return rp, nil
}

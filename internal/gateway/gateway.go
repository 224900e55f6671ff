// Package gateway implements C9: the per-request pipeline that wires
// identity resolution, registry lookup, rate limiting, risk scoring,
// decisioning, proxying, and audit emission together. Grounded on the
// teacher's internal/api/proxy.go and internal/sop/proxy.go for the
// overall "resolve → score → forward" request shape, and on
// cmd/api/main.go for the net/http + gorilla/mux handler-registration
// style.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ocx/gateway/internal/audit"
	"github.com/ocx/gateway/internal/decision"
	"github.com/ocx/gateway/internal/identity"
	"github.com/ocx/gateway/internal/kv"
	"github.com/ocx/gateway/internal/metrics"
	"github.com/ocx/gateway/internal/proxy"
	"github.com/ocx/gateway/internal/ratelimit"
	"github.com/ocx/gateway/internal/registry"
	"github.com/ocx/gateway/internal/risk"
)

// throttleDelay is spec.md §4.9 step 7's fixed cooperative delay before a
// THROTTLE decision proceeds to the upstream.
const throttleDelay = 300 * time.Millisecond

// Gateway is the assembled request pipeline. All fields are constructed
// once at startup and shared, read-only, across every request.
type Gateway struct {
	registry  *registry.Cache
	limiter   *ratelimit.Limiter
	scorer    *risk.Scorer
	proxy     *proxy.Proxy
	auditSink *audit.Sink
	logger    *slog.Logger
}

// Deps bundles the Gateway's collaborators.
type Deps struct {
	Registry  *registry.Cache
	Limiter   *ratelimit.Limiter
	Scorer    *risk.Scorer
	Proxy     *proxy.Proxy
	AuditSink *audit.Sink
	Logger    *slog.Logger
}

// New assembles a Gateway from its collaborators.
func New(d Deps) *Gateway {
	return &Gateway{
		registry:  d.Registry,
		limiter:   d.Limiter,
		scorer:    d.Scorer,
		proxy:     d.Proxy,
		auditSink: d.AuditSink,
		logger:    d.Logger,
	}
}

// Health responds 200 {"status":"ok"} once the registry has completed its
// first refresh, and 200 {"status":"initializing"} before that — per
// spec.md §6.
func (g *Gateway) Health(w http.ResponseWriter, r *http.Request) {
	status := "initializing"
	if g.registry.Ready() {
		status = "ok"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// ServeHTTP implements the full C9 pipeline for every non-health request.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ip := clientIP(r)
	endpoint := CanonicalEndpoint(r.URL.Path)

	rawKey, err := identity.Extract(r.Header)
	if err != nil {
		g.reject(w, r, start, "", "", ip, endpoint, http.StatusUnauthorized,
			"Missing or invalid API key", decision.Block, 0)
		return
	}
	keyHash := identity.Hash(rawKey)

	project, ok := g.registry.Lookup(keyHash)
	if !ok {
		g.reject(w, r, start, "", keyHash, ip, endpoint, http.StatusUnauthorized,
			"Invalid API key", decision.Block, 0)
		return
	}

	rateAllowed, remaining, riskScore, reasonTag := g.scoreRequest(r.Context(), keyHash, ip, endpoint)

	dec, reason := decision.Decide(rateAllowed, remaining, riskScore)
	if reasonTag != "" {
		reason = reasonTag
	}

	switch dec {
	case decision.Block:
		g.reject(w, r, start, project.ProjectID, keyHash, ip, endpoint, http.StatusTooManyRequests,
			reason, dec, riskScore)
		return
	case decision.Throttle:
		select {
		case <-r.Context().Done():
			return
		case <-time.After(throttleDelay):
		}
	}

	g.forward(w, r, start, project, keyHash, ip, endpoint, riskScore, reason)
}

// scoreRequest fans C4 and C5 out concurrently via errgroup, per spec.md
// §4.9 step 5. Either call's kv_unavailable error is mapped to the fail-open
// policy from §4.1/§7: the request is allowed, risk stays 0, and the
// reason is tagged for observability.
func (g *Gateway) scoreRequest(ctx context.Context, keyHash, ip, endpoint string) (rateAllowed bool, remaining int, riskScore float64, reasonTag string) {
	var (
		rlAllowed bool
		rlRem     int
		rlErr     error
		riskRes   risk.Result
		riskErr   error
	)

	eg := new(errgroup.Group)
	eg.Go(func() error {
		rlAllowed, rlRem, rlErr = g.limiter.Check(ctx, keyHash, ip, endpoint)
		return nil
	})
	eg.Go(func() error {
		riskRes, riskErr = g.scorer.Score(ctx, keyHash, ip, endpoint)
		return nil
	})
	_ = eg.Wait()

	// Any KV error — including kv_unavailable and anything unexpected —
	// is fail-open per spec.md §4.1/§7: the request proceeds as if
	// allowed with zero risk, tagged for observability.
	failedOpen := false
	if rlErr != nil {
		if !errors.Is(rlErr, kv.ErrUnavailable) {
			g.logger.Error("rate limiter error", "error", rlErr)
		}
		rlAllowed, rlRem = true, ratelimit.DefaultRPM
		failedOpen = true
	}
	if riskErr != nil {
		if !errors.Is(riskErr, kv.ErrUnavailable) {
			g.logger.Error("risk scorer error", "error", riskErr)
		}
		riskRes = risk.Result{Score: 0.0}
		failedOpen = true
	}

	if failedOpen {
		reasonTag = "kv_unavailable"
		metrics.IncKVUnavailable()
	}
	if !rlAllowed {
		metrics.IncRateLimitRejection()
	}
	return rlAllowed, rlRem, riskRes.Score, reasonTag
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, start time.Time,
	project registry.Project, keyHash, ip, endpoint string, riskScore float64, reason string) {

	upstreamURL, err := proxy.BuildUpstreamURL(project.UpstreamBaseURL, r.URL.Path+queryOrEmpty(r))
	if err != nil {
		g.reject(w, r, start, project.ProjectID, keyHash, ip, endpoint, http.StatusBadGateway,
			"Upstream error", decision.Allow, riskScore)
		return
	}

	status, err := g.proxy.Forward(w, r, upstreamURL)
	if err != nil {
		// Pre-headers failure: nothing has been written to w yet, so it is
		// still safe to send a synthesized 502 response.
		if errors.Is(err, proxy.ErrUpstreamUnreachable) {
			writeJSON(w, http.StatusBadGateway, map[string]string{"detail": "Upstream error"})
			g.emit(r, start, project.ProjectID, keyHash, ip, endpoint, http.StatusBadGateway,
				decision.Allow.String(), "Upstream error", riskScore)
			return
		}
		status = http.StatusBadGateway
	}

	g.emit(r, start, project.ProjectID, keyHash, ip, endpoint, status,
		decision.Allow.String(), reason, riskScore)
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, start time.Time,
	projectID, keyHash, ip, endpoint string, status int, reason string, dec decision.Decision, riskScore float64) {

	writeJSON(w, status, map[string]string{"detail": reason})
	g.emit(r, start, projectID, keyHash, ip, endpoint, status, dec.String(), reason, riskScore)
}

func (g *Gateway) emit(r *http.Request, start time.Time, projectID, keyHash, ip, endpoint string,
	status int, dec, reason string, riskScore float64) {

	metrics.ObserveDecision(dec)
	metrics.ObserveLatency(time.Since(start).Seconds())

	g.auditSink.Emit(audit.Event{
		EventID:       newEventID(),
		Timestamp:     time.Now().UTC(),
		ProjectID:     projectID,
		KeyHash:       keyHash,
		IP:            ip,
		Path:          r.URL.Path,
		Endpoint:      endpoint,
		Method:        r.Method,
		UserAgent:     r.Header.Get("User-Agent"),
		Decision:      dec,
		Reason:        reason,
		StatusCode:    status,
		RiskScore:     riskScore,
		LatencyMillis: time.Since(start).Milliseconds(),
	})
}

func newEventID() string {
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func queryOrEmpty(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host := r.RemoteAddr
	if i := lastColon(host); i >= 0 {
		return host[:i]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

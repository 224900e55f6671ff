// Package controlplane is the outbound client the gateway uses to talk to
// the control plane: fetching the project registry snapshot (C3) and
// fire-and-forget delivery of audit events (C8's sink). Grounded on the
// teacher's internal/webhooks/dispatcher.go for the fire-and-forget HTTP
// idiom, generalized to also support the blocking, backoff-retried
// config fetch spec.md §4.3 requires.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Project mirrors the control plane's /internal/worker/config response for
// a single registered project. APIKeys holds the project's registered
// API-key hashes; per spec.md §4.3's one-key-per-project invariant, callers
// index the registry by a project's first hash.
type Project struct {
	ID          string   `json:"id"`
	UpstreamURL string   `json:"upstream_url"`
	APIKeys     []string `json:"api_keys"`
}

// ConfigResponse is the decoded body of GET /internal/worker/config.
type ConfigResponse struct {
	Projects []Project `json:"projects"`
}

// TrafficEvent mirrors the audit payload POSTed to /internal/traffic.
// Field names and shape are owned by internal/audit; this package only
// knows how to serialize and send it.
type TrafficEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"timestamp"`
	ProjectID     string    `json:"project_id,omitempty"`
	KeyHash       string    `json:"key_hash"`
	IP            string    `json:"ip"`
	Path          string    `json:"path"`
	Endpoint      string    `json:"endpoint"`
	Method        string    `json:"method"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Decision      string    `json:"decision"`
	Reason        string    `json:"reason"`
	StatusCode    int       `json:"status_code"`
	RiskScore     float64   `json:"risk_score"`
	LatencyMillis int64     `json:"latency_ms"`
}

// Client is the shared HTTP client for control-plane calls.
type Client struct {
	baseURL      string
	sharedSecret string

	configHTTP *http.Client
	auditHTTP  *http.Client
}

// Config configures per-call timeouts; see spec.md §4.3 and §4.8.
type Config struct {
	BaseURL            string
	SharedSecret       string
	ConfigFetchTimeout time.Duration
	AuditSendTimeout   time.Duration
}

// New builds a Client. Each call kind (config fetch vs. audit send) gets
// its own *http.Client so a slow audit POST can never hold up the config
// refresher's deadline, and vice versa.
func New(cfg Config) *Client {
	auditTransport := http.DefaultTransport.(*http.Transport).Clone()
	auditTransport.MaxConnsPerHost = 50
	auditTransport.MaxIdleConns = 10
	auditTransport.MaxIdleConnsPerHost = 10

	return &Client{
		baseURL:      cfg.BaseURL,
		sharedSecret: cfg.SharedSecret,
		configHTTP:   &http.Client{Timeout: cfg.ConfigFetchTimeout},
		auditHTTP:    &http.Client{Timeout: cfg.AuditSendTimeout, Transport: auditTransport},
	}
}

// FetchConfig performs one GET /internal/worker/config call. It does not
// retry — the caller (internal/registry's refresher) owns the
// backoff/retry loop, per spec.md §4.3.
func (c *Client) FetchConfig(ctx context.Context) (*ConfigResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/worker/config", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-control-secret", c.sharedSecret)

	resp, err := c.configHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("config fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("config fetch: unexpected status %d: %s", resp.StatusCode, body)
	}

	var out ConfigResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("config fetch: decode: %w", err)
	}
	return &out, nil
}

// SendTraffic POSTs a single audit event. Errors are returned for the
// caller (internal/audit) to log at debug level and discard — delivery is
// at-most-once and never retried, per spec.md §4.8.
func (c *Client) SendTraffic(ctx context.Context, event TrafficEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal traffic event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/traffic", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-control-secret", c.sharedSecret)

	resp, err := c.auditHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("traffic send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("traffic send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// DefaultInitialBackoff and DefaultMaxBackoff are spec.md §4.3's
// config-refresh retry bounds: start at 10s, double on each consecutive
// failure, cap at 120s, reset to the initial value after any success.
const (
	DefaultInitialBackoff = 10 * time.Second
	DefaultMaxBackoff     = 120 * time.Second
)

// FetchConfigWithBackoff retries FetchConfig with exponential backoff,
// doubling on each consecutive failure and resetting after any success.
// It blocks until ctx is cancelled or a fetch succeeds.
func (c *Client) FetchConfigWithBackoff(ctx context.Context, log *slog.Logger) (*ConfigResponse, error) {
	return c.fetchConfigWithBackoff(ctx, log, DefaultInitialBackoff, DefaultMaxBackoff)
}

func (c *Client) fetchConfigWithBackoff(ctx context.Context, log *slog.Logger, initialBackoff, maxBackoff time.Duration) (*ConfigResponse, error) {
	backoff := initialBackoff
	attempt := 0

	for {
		attempt++
		cfg, err := c.FetchConfig(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info("control plane config fetch recovered", "attempt", attempt)
			}
			return cfg, nil
		}

		if attempt == 1 {
			log.Warn("control plane config fetch failed, entering retry backoff", "error", err)
		} else if attempt >= 3 {
			log.Error("control plane config fetch still failing", "attempt", attempt, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Package registry implements C3: an in-memory cache of the project
// registry, refreshed from the control plane on a fixed interval and
// swapped in atomically so request-path lookups never block on a
// mutex. Grounded on the teacher's internal/governance/cache.go
// (per-tenant in-memory cache with a background loader) and generalized
// from per-tenant map access to a whole-snapshot atomic.Pointer swap,
// since spec.md §4.2 requires lookups that never observe a
// partially-updated registry.
package registry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ocx/gateway/internal/controlplane"
	"github.com/ocx/gateway/internal/metrics"
)

// Project is the subset of controlplane.Project the gateway's request
// path needs on every request.
type Project struct {
	ProjectID       string
	UpstreamBaseURL string
}

// snapshot is an immutable point-in-time view of the registry, indexed by
// API-key hash. A snapshot is never mutated after construction — refresh
// builds a brand new one and swaps it in.
type snapshot struct {
	byKeyHash map[string]Project
	fetchedAt time.Time
}

// Cache is a lock-free readable cache of the project registry.
type Cache struct {
	client   *controlplane.Client
	interval time.Duration
	logger   *slog.Logger

	current atomic.Pointer[snapshot]
}

// New constructs a Cache with an empty initial snapshot — Lookup returns
// (Project{}, false) for every key until the first successful refresh
// completes, per spec.md §4.2's fail-open startup semantics.
func New(client *controlplane.Client, refreshInterval time.Duration, logger *slog.Logger) *Cache {
	c := &Cache{
		client:   client,
		interval: refreshInterval,
		logger:   logger,
	}
	c.current.Store(&snapshot{byKeyHash: map[string]Project{}})
	return c
}

// Lookup returns the registered project for an API-key hash, if any.
func (c *Cache) Lookup(keyHash string) (Project, bool) {
	snap := c.current.Load()
	p, ok := snap.byKeyHash[keyHash]
	return p, ok
}

// Ready reports whether at least one successful refresh has completed.
func (c *Cache) Ready() bool {
	return !c.current.Load().fetchedAt.IsZero()
}

// Start blocks until the first refresh completes (applying spec.md §4.3's
// backoff on failure) using startupCtx, then launches a background
// goroutine that refreshes on a fixed interval until loopCtx is cancelled.
// The goroutine is launched whether or not the first refresh succeeded; a
// first-refresh error is returned after launching it, and the cache keeps
// serving the empty snapshot until a later refresh succeeds.
// startupCtx and loopCtx are deliberately distinct: callers typically bound
// startupCtx to a short startup deadline and cancel it once Start returns,
// while loopCtx lives for the process's whole lifetime. Using the same
// context for both would kill the background loop the moment the caller
// releases its startup deadline. It never panics the process — a panic
// inside a refresh cycle is recovered and logged, leaving the previous
// snapshot in place.
func (c *Cache) Start(startupCtx, loopCtx context.Context) error {
	err := c.refreshWithBackoff(startupCtx)

	go c.refreshLoop(loopCtx)
	return err
}

func (c *Cache) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.refreshOnce(ctx); err != nil {
				consecutiveFailures++
				if consecutiveFailures == 1 {
					c.logger.Warn("registry refresh failed, keeping previous snapshot", "error", err)
				} else if consecutiveFailures >= 3 {
					c.logger.Error("registry refresh repeatedly failing", "consecutive_failures", consecutiveFailures, "error", err)
				}
				continue
			}
			if consecutiveFailures > 0 {
				c.logger.Info("registry refresh recovered", "after_failures", consecutiveFailures)
			} else {
				c.logger.Info("registry refreshed")
			}
			consecutiveFailures = 0
		}
	}
}

// refreshWithBackoff performs the initial, blocking refresh using the
// control plane client's retry/backoff policy.
func (c *Cache) refreshWithBackoff(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic during initial registry refresh, recovered", "panic", r)
		}
	}()

	resp, err := c.client.FetchConfigWithBackoff(ctx, c.logger)
	if err != nil {
		return err
	}
	c.swap(resp.Projects)
	c.logger.Info("registry initialized", "project_count", len(resp.Projects))
	return nil
}

func (c *Cache) refreshOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic during registry refresh, recovered, previous snapshot kept", "panic", r)
		}
	}()

	resp, fetchErr := c.client.FetchConfig(ctx)
	if fetchErr != nil {
		return fetchErr
	}
	c.swap(resp.Projects)
	return nil
}

// swap builds a fresh snapshot keyed by API-key hash. Per spec.md §4.3's
// one-key-per-project invariant, a project's first registered key hash is
// its lookup key; projects with no keys are skipped since they can never
// be looked up.
func (c *Cache) swap(projects []controlplane.Project) {
	next := &snapshot{
		byKeyHash: make(map[string]Project, len(projects)),
		fetchedAt: time.Now(),
	}
	for _, p := range projects {
		if len(p.APIKeys) == 0 {
			continue
		}
		next.byKeyHash[p.APIKeys[0]] = Project{
			ProjectID:       p.ID,
			UpstreamBaseURL: p.UpstreamURL,
		}
	}
	c.current.Store(next)
	metrics.SetRegistryProjectCount(len(next.byKeyHash))
}

// Package ratelimit implements C4: a fixed-window-per-minute counter with
// burst allowance, backed by the shared KV store so counts are consistent
// across gateway instances. Adapted from the teacher's
// internal/middleware/rate_limiter.go, moving state out of an in-process
// map and into kv.Client, and switching from a rolling "first seen + 1m"
// window to the fixed floor(now/60) bucket spec.md §4.4 requires.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/ocx/gateway/internal/kv"
)

// DefaultRPM and DefaultBurst are the calibration constants from
// spec.md §4.4. They are not a public contract — only the resulting
// allow/block behavior is.
const (
	DefaultRPM   = 60
	DefaultBurst = 20

	windowTTL = 60 * time.Second
)

// Limiter checks and enforces the fixed-window rate limit.
type Limiter struct {
	kv    kv.Client
	rpm   int
	burst int
}

// Config calibrates a Limiter. Zero values fall back to the spec defaults.
type Config struct {
	RPM   int
	Burst int
}

// New constructs a Limiter backed by the given KV client.
func New(client kv.Client, cfg Config) *Limiter {
	rpm := cfg.RPM
	if rpm <= 0 {
		rpm = DefaultRPM
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Limiter{kv: client, rpm: rpm, burst: burst}
}

func bucketKey(keyHash, ip, endpoint string) string {
	bucket := time.Now().Unix() / 60
	return fmt.Sprintf("rate_limit:%s:%s:%s:%d", keyHash, ip, endpoint, bucket)
}

// Check increments the counter for the current minute bucket of
// (keyHash, ip, endpoint) and reports whether the request is allowed and
// how much of the per-minute budget remains.
//
// Any KV error is returned to the caller unwrapped as kv.ErrUnavailable so
// the orchestrator can apply the fail-open policy from spec.md §4.1 — this
// function itself never silently allows on error.
func (l *Limiter) Check(ctx context.Context, keyHash, ip, endpoint string) (allowed bool, remaining int, err error) {
	key := bucketKey(keyHash, ip, endpoint)

	count, err := l.kv.Incr(ctx, key)
	if err != nil {
		return false, 0, err
	}

	if count == 1 {
		// Best-effort TTL on the first increment in this window. A lost
		// race here (another incr landing between our incr and expire)
		// is harmless: the next bucket uses a brand new key, per
		// spec.md §4.4's documented acceptable race. A failure to set
		// the TTL does not itself invalidate the increment we already
		// have, so it is not propagated as a KV error.
		_ = l.kv.Expire(ctx, key, windowTTL)
	}

	if count > int64(l.rpm+l.burst) {
		return false, 0, nil
	}

	rem := l.rpm - int(count)
	if rem < 0 {
		rem = 0
	}
	return true, rem, nil
}

// Package kv exposes the narrow KV capability the request pipeline needs:
// atomic increment, TTL, set-add, and set-cardinality. The rate limiter and
// risk scorer return errors from this package to the gateway orchestrator,
// which treats any of them as kv_unavailable and fails open per spec.md §4.1.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned (wrapped) for any KV transport/connection
// failure. Callers match it with errors.Is to apply the fail-open policy.
var ErrUnavailable = errors.New("kv_unavailable")

// Client is the minimal capability interface the request pipeline depends
// on. It is intentionally narrow so tests can supply an in-memory double
// without pulling in a real store.
type Client interface {
	// Incr atomically increments the integer at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets or refreshes the TTL on key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// SAdd adds member to the set at key.
	SAdd(ctx context.Context, key string, member string) error
	// SCard returns the cardinality of the set at key.
	SCard(ctx context.Context, key string) (int64, error)
}

func wrapUnavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, key, err)
}

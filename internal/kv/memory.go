package kv

import (
	"context"
	"sync"
	"time"
)

// MemoryClient is an in-memory Client used by unit tests so C4/C5 logic
// can be exercised without a live Redis. TTLs are tracked but not actively
// swept; expiry is only checked lazily on read, which is sufficient for
// the bucketed, short-lived keys this gateway uses.
type MemoryClient struct {
	mu      sync.Mutex
	counts  map[string]int64
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time
	failing bool
}

// NewMemoryClient returns an empty in-memory KV double.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		counts: make(map[string]int64),
		sets:   make(map[string]map[string]struct{}),
		expiry: make(map[string]time.Time),
	}
}

// SetFailing forces every subsequent call to return ErrUnavailable, so
// tests can exercise the fail-open path deterministically.
func (m *MemoryClient) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

func (m *MemoryClient) expired(key string) bool {
	exp, ok := m.expiry[key]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(m.counts, key)
		delete(m.sets, key)
		delete(m.expiry, key)
		return true
	}
	return false
}

func (m *MemoryClient) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, ErrUnavailable
	}
	m.expired(key)
	m.counts[key]++
	return m.counts[key], nil
}

func (m *MemoryClient) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return ErrUnavailable
	}
	m.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (m *MemoryClient) SAdd(_ context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return ErrUnavailable
	}
	m.expired(key)
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (m *MemoryClient) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, ErrUnavailable
	}
	m.expired(key)
	return int64(len(m.sets[key])), nil
}

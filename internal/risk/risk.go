// Package risk implements C5: a multi-signal behavioral score in [0,1],
// computed from rolling 60s counters and sets in the shared KV store.
// Weights and signal definitions are ported verbatim from the original
// Python compute_risk_score (ml.py); the primary-reason tie-break is
// expressed as an explicit ordered list rather than a map scan, since Go
// map iteration order is undefined and spec.md §4.5 pins a fixed
// tie-break ordering.
package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ocx/gateway/internal/kv"
)

// Signal names, also used as the keys of Result.Signals.
const (
	SignalVelocity = "velocity"
	SignalBurst    = "burst"
	SignalDrift    = "endpoint_drift"
	SignalFanout   = "fanout"
)

// tieBreakOrder is spec.md §4.5's fixed ordering for primary-reason ties:
// velocity > burst > drift > fanout.
var tieBreakOrder = []string{SignalVelocity, SignalBurst, SignalDrift, SignalFanout}

const window = 60 * time.Second

// Result is the scorer's output for a single request.
type Result struct {
	Score         float64
	Signals       map[string]float64
	PrimaryReason string
}

// Scorer computes behavioral risk signals against the shared KV store.
type Scorer struct {
	kv kv.Client
}

// New constructs a Scorer backed by the given KV client.
func New(client kv.Client) *Scorer {
	return &Scorer{kv: client}
}

// Score computes the aggregate risk score for (keyHash, ip, endpoint).
// Apart from its KV writes, this function is pure: given the same counter
// state it always returns the same result.
func (s *Scorer) Score(ctx context.Context, keyHash, ip, endpoint string) (Result, error) {
	signals := make(map[string]float64, 4)

	velocityKey := fmt.Sprintf("ml:velocity:%s:%s:%s", keyHash, ip, endpoint)
	velocity, err := s.kv.Incr(ctx, velocityKey)
	if err != nil {
		return Result{}, err
	}
	if velocity == 1 {
		_ = s.kv.Expire(ctx, velocityKey, window)
	}
	velocityScore := math.Min(float64(velocity)/30.0, 1.0)
	signals[SignalVelocity] = velocityScore

	var burstScore float64
	if velocity > 20 {
		burstScore = 1.0
	} else {
		burstScore = float64(velocity) / 20.0
	}
	signals[SignalBurst] = burstScore

	driftKey := fmt.Sprintf("ml:endpoints:%s:%s", keyHash, ip)
	if err := s.kv.SAdd(ctx, driftKey, endpoint); err != nil {
		return Result{}, err
	}
	_ = s.kv.Expire(ctx, driftKey, window)

	endpointCount, err := s.kv.SCard(ctx, driftKey)
	if err != nil {
		return Result{}, err
	}
	driftScore := math.Min(float64(endpointCount)/5.0, 1.0)
	signals[SignalDrift] = driftScore

	// Fanout is reserved for future control-plane aggregation (spec.md §4.5).
	signals[SignalFanout] = 0.0

	risk := 0.4*velocityScore + 0.3*burstScore + 0.3*driftScore
	risk = math.Round(risk*100) / 100

	return Result{
		Score:         risk,
		Signals:       signals,
		PrimaryReason: primaryReason(signals),
	}, nil
}

// primaryReason returns the signal with the maximum score, breaking ties
// using spec.md §4.5's fixed ordering: velocity > burst > drift > fanout.
func primaryReason(signals map[string]float64) string {
	best := tieBreakOrder[0]
	bestScore := signals[best]
	for _, name := range tieBreakOrder[1:] {
		if signals[name] > bestScore {
			best = name
			bestScore = signals[name]
		}
	}
	return best
}

package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/kv"
)

func TestScore_FirstRequestIsLowRisk(t *testing.T) {
	mem := kv.NewMemoryClient()
	s := New(mem)

	res, err := s.Score(context.Background(), "hash", "1.2.3.4", "/users/:id")
	require.NoError(t, err)
	// velocity=1 (0.033), burst=1/20 (0.05), drift=1/5 (0.2):
	// 0.4*0.033 + 0.3*0.05 + 0.3*0.2 = 0.0883 -> rounds to 0.09
	assert.Equal(t, 0.09, res.Score)
}

// TestScore_HighVelocityAndDriftTriggersHighRisk pins scenario S5 from
// spec.md §8: velocity=25 on one endpoint + drift across 6 endpoints drives
// risk ≥ 0.9 (0.4*25/30 + 0.3*1 + 0.3*1 = 0.93).
func TestScore_HighVelocityAndDriftTriggersHighRisk(t *testing.T) {
	mem := kv.NewMemoryClient()
	s := New(mem)
	ctx := context.Background()

	for _, ep := range []string{"/b", "/c", "/d", "/e", "/f"} {
		_, err := s.Score(ctx, "hash", "1.2.3.4", ep)
		require.NoError(t, err)
	}

	var last Result
	for i := 0; i < 25; i++ {
		res, err := s.Score(ctx, "hash", "1.2.3.4", "/a")
		require.NoError(t, err)
		last = res
	}

	assert.GreaterOrEqual(t, last.Score, 0.9, "velocity 25 with 6 distinct endpoints should trip high risk")
}

func TestScore_BoundedToUnitInterval(t *testing.T) {
	mem := kv.NewMemoryClient()
	s := New(mem)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		res, err := s.Score(ctx, "hash", "1.2.3.4", "/same")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Score, 0.0)
		assert.LessOrEqual(t, res.Score, 1.0)
	}
}

func TestPrimaryReason_TieBreakOrder(t *testing.T) {
	cases := []struct {
		name    string
		signals map[string]float64
		want    string
	}{
		{"velocity wins ties with everything", map[string]float64{
			SignalVelocity: 0.5, SignalBurst: 0.5, SignalDrift: 0.5, SignalFanout: 0.5,
		}, SignalVelocity},
		{"burst beats drift and fanout", map[string]float64{
			SignalVelocity: 0.1, SignalBurst: 0.5, SignalDrift: 0.5, SignalFanout: 0.5,
		}, SignalBurst},
		{"drift beats fanout", map[string]float64{
			SignalVelocity: 0.1, SignalBurst: 0.1, SignalDrift: 0.5, SignalFanout: 0.5,
		}, SignalDrift},
		{"strict max wins regardless of order", map[string]float64{
			SignalVelocity: 0.1, SignalBurst: 0.9, SignalDrift: 0.2, SignalFanout: 0.0,
		}, SignalBurst},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, primaryReason(c.signals))
		})
	}
}

func TestScore_PropagatesKVError(t *testing.T) {
	mem := kv.NewMemoryClient()
	mem.SetFailing(true)
	s := New(mem)

	_, err := s.Score(context.Background(), "h", "ip", "/e")
	assert.ErrorIs(t, err, kv.ErrUnavailable)
}

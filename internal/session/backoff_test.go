package session

import (
	"math/rand"
	"testing"
	"time"

	"github.com/qapish/labman/internal/infra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffNonDecreasingAndBounded(t *testing.T) {
	cfg := infra.BackoffConfig{Initial: 100 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2, Jitter: 0.5}
	for seed := int64(1); seed <= 20; seed++ {
		b := NewBackoff(cfg, rand.New(rand.NewSource(seed)))
		var prev time.Duration
		for i := 0; i < 30; i++ {
			d := b.Next()
			require.GreaterOrEqual(t, d, prev, "seed %d attempt %d", seed, i)
			require.LessOrEqual(t, d, cfg.Max)
			prev = d
		}
		assert.Equal(t, cfg.Max, prev)
		assert.Equal(t, 30, b.Failures())
	}
}

func TestBackoffJitterVariesDelays(t *testing.T) {
	cfg := infra.BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.2}
	seen := make(map[time.Duration]struct{})
	for seed := int64(1); seed <= 10; seed++ {
		d := NewBackoff(cfg, rand.New(rand.NewSource(seed))).Next()
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.Less(t, d, 1200*time.Millisecond)
		seen[d] = struct{}{}
	}
	assert.Greater(t, len(seen), 1)
}

func TestBackoffWithoutJitterIsExponential(t *testing.T) {
	b := NewBackoff(infra.BackoffConfig{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}, nil)
	got := []time.Duration{b.Next(), b.Next(), b.Next(), b.Next(), b.Next()}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}, got)
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(infra.BackoffConfig{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}, nil)
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, time.Second, b.Next())
}

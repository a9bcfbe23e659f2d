package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance bucket time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBucket(rule Rule) (*TokenBucket, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	tb := NewTokenBucket(rule)
	tb.now = clock.now
	tb.lastRefill = clock.t
	return tb, clock
}

func TestTryAcquireExhaustsAndRefills(t *testing.T) {
	tb, clock := newTestBucket(Rule{Name: "r", MaxRequests: 5, WindowMs: 1000})

	for i := 0; i < 5; i++ {
		require.True(t, tb.TryAcquire(), "acquire %d should succeed", i+1)
	}
	require.False(t, tb.TryAcquire(), "6th acquire should be denied")

	clock.advance(time.Second)
	assert.True(t, tb.TryAcquire(), "acquire after refill window should succeed")
}

func TestRefillIsProportional(t *testing.T) {
	tb, clock := newTestBucket(Rule{Name: "r", MaxRequests: 10, WindowMs: 1000})

	for i := 0; i < 10; i++ {
		require.True(t, tb.TryAcquire())
	}

	// Half a window refills half the bucket.
	clock.advance(500 * time.Millisecond)
	assert.InDelta(t, 5.0, tb.Tokens(), 0.001)
}

func TestRefillNeverExceedsMax(t *testing.T) {
	tb, clock := newTestBucket(Rule{Name: "r", MaxRequests: 5, WindowMs: 1000})

	clock.advance(time.Hour)
	assert.InDelta(t, 5.0, tb.Tokens(), 0.001)
}

func TestUtilization(t *testing.T) {
	tb, _ := newTestBucket(Rule{Name: "r", MaxRequests: 4, WindowMs: 60_000})

	assert.InDelta(t, 0.0, tb.Utilization(), 0.001)

	require.True(t, tb.TryAcquire())
	require.True(t, tb.TryAcquire())
	assert.InDelta(t, 0.5, tb.Utilization(), 0.001)
}

func TestAdjustCapsCurrentTokens(t *testing.T) {
	tb, _ := newTestBucket(Rule{Name: "r", MaxRequests: 10, WindowMs: 60_000})

	tb.Adjust(0.5)
	assert.InDelta(t, 5.0, tb.Tokens(), 0.001)

	// Loosening factors never raise the current count.
	tb.Adjust(1.2)
	assert.InDelta(t, 5.0, tb.Tokens(), 0.001)
}

func TestApplyBackpressureScalesTokens(t *testing.T) {
	tb, _ := newTestBucket(Rule{Name: "r", MaxRequests: 8, WindowMs: 60_000})

	tb.ApplyBackpressure(0.5)
	assert.InDelta(t, 4.0, tb.Tokens(), 0.001)

	tb.ApplyBackpressure(0.5)
	assert.InDelta(t, 2.0, tb.Tokens(), 0.001)
}

func TestRegistryCreatesLazily(t *testing.T) {
	reg := NewRegistry(Rule{Name: "delivery", MaxRequests: 7, WindowMs: 1000})
	assert.Equal(t, 0, reg.Len())

	b := reg.Get("delivery")
	require.NotNil(t, b)
	assert.Equal(t, 1, reg.Len())
	assert.InDelta(t, 7.0, b.Tokens(), 0.001)

	// Same name returns the same bucket.
	assert.Same(t, b, reg.Get("delivery"))
}

func TestRegistryUnknownNameFallsBackToDefault(t *testing.T) {
	reg := NewRegistry()

	b := reg.Get("nonexistent")
	require.NotNil(t, b)
	assert.InDelta(t, float64(DefaultRule().MaxRequests), b.Tokens(), 0.001)

	// Empty name resolves to the default rule.
	def := reg.Get("")
	assert.Same(t, def, reg.Get("default"))
}

func TestRegistryEachAndClear(t *testing.T) {
	reg := NewRegistry()
	reg.Get("a")
	reg.Get("b")

	seen := map[string]bool{}
	reg.Each(func(name string, b *TokenBucket) {
		seen[name] = true
	})
	assert.Len(t, seen, 2)

	reg.Clear()
	assert.Equal(t, 0, reg.Len())
}

package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold float64, recovery time.Duration) (*Breaker, *time.Time) {
	now := time.Unix(1700000000, 0)
	b := NewBreaker(threshold, recovery)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(0.5, time.Minute)

	b.RecordSuccess()
	assert.False(t, b.IsOpen())

	// 1 failure / 2 total = 0.5 >= threshold
	b.RecordFailure()
	assert.True(t, b.IsOpen())
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b, _ := newTestBreaker(0.5, time.Minute)

	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure() // 1/4 = 0.25
	assert.False(t, b.IsOpen())
	assert.InDelta(t, 0.25, b.ErrorRate(), 0.001)
}

func TestBreakerRecoveryCycle(t *testing.T) {
	b, now := newTestBreaker(0.5, time.Minute)

	b.RecordFailure()
	require.True(t, b.IsOpen())

	// Not yet: recovery timeout has not elapsed.
	assert.False(t, b.ShouldAttemptReset())

	*now = now.Add(time.Minute)
	require.True(t, b.ShouldAttemptReset())

	b.AttemptReset()
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.IsOpen(), "half-open must admit a probe")

	// Probe succeeds: closed, failure count reset.
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	failures, _ := b.Counts()
	assert.Zero(t, failures)
}

func TestFailureWhileHalfOpenReopens(t *testing.T) {
	b, now := newTestBreaker(0.5, time.Minute)

	b.RecordFailure()
	*now = now.Add(time.Minute)
	b.AttemptReset()
	require.Equal(t, StateHalfOpen, b.State())

	// 2 failures / 2 total, rate recomputed over cumulative counts.
	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestAttemptResetIgnoredWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(0.5, time.Minute)

	b.AttemptReset()
	assert.Equal(t, StateClosed, b.State())
}

func TestOpenNeverDecaysWithoutExplicitReset(t *testing.T) {
	b, now := newTestBreaker(0.5, time.Minute)

	b.RecordFailure()
	*now = now.Add(time.Hour)

	// Still open: transition requires an explicit probe.
	assert.True(t, b.IsOpen())
}

func TestErrorRateBeforeAnyCalls(t *testing.T) {
	b, _ := newTestBreaker(0.5, time.Minute)
	assert.Zero(t, b.ErrorRate())
	assert.False(t, b.IsOpen())
}

package circuit

import (
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker tracks failures for one resource and fast-fails callers while the
// resource is considered down. The error rate is computed over lifetime
// counts (no sliding window); the failure count is zeroed whenever the
// breaker closes again, which bounds how long old failures weigh in.
//
// OPEN never decays on its own: the owner must poll ShouldAttemptReset and
// call AttemptReset to move the breaker to HALF_OPEN. A success while
// half-open closes the breaker; a failure is recorded like any other and may
// re-open it.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int64
	successes   int64
	lastFailure time.Time

	threshold       float64 // failure-rate threshold that opens the breaker
	recoveryTimeout time.Duration

	now func() time.Time
}

// NewBreaker creates a closed breaker. threshold is the failure rate
// (failures/total) at which the breaker opens; recoveryTimeout is how long
// after the last failure a reset probe becomes allowed.
func NewBreaker(threshold float64, recoveryTimeout time.Duration) *Breaker {
	return &Breaker{
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		now:             time.Now,
	}
}

// IsOpen reports whether calls must be rejected.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordSuccess records a successful call. In HALF_OPEN the probe succeeded:
// the failure count resets and the breaker closes.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	if b.state == StateHalfOpen {
		b.failures = 0
		b.state = StateClosed
	}
}

// RecordFailure records a failed call and opens the breaker when the
// lifetime error rate crosses the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if b.errorRateLocked() >= b.threshold {
		b.state = StateOpen
	}
}

// ShouldAttemptReset reports whether the breaker is open and the recovery
// timeout has elapsed since the last failure.
func (b *Breaker) ShouldAttemptReset() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.recoveryTimeout
}

// AttemptReset moves an open breaker to HALF_OPEN so the next call runs as a
// probe. No-op unless currently open.
func (b *Breaker) AttemptReset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		b.state = StateHalfOpen
	}
}

// ErrorRate returns failures/(failures+successes), or 0 before any calls.
func (b *Breaker) ErrorRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorRateLocked()
}

func (b *Breaker) errorRateLocked() float64 {
	total := b.failures + b.successes
	if total == 0 {
		return 0
	}
	return float64(b.failures) / float64(total)
}

// Counts returns the lifetime failure and success counts.
func (b *Breaker) Counts() (failures, successes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.successes
}

package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Rule describes a named rate limit: MaxRequests per WindowMs milliseconds.
// Rules are immutable once registered; the scheduler's adaptive loop scales
// the derived bucket's current tokens, never the rule itself.
type Rule struct {
	Name        string
	MaxRequests int
	WindowMs    int64

	// Optional tags used by callers for rule selection. Not interpreted here.
	Priority string
	Resource string
}

// DefaultRule is the rule used when a caller does not name one.
func DefaultRule() Rule {
	return Rule{
		Name:        "default",
		MaxRequests: 100,
		WindowMs:    60_000,
	}
}

// TokenBucket is a lazily refilled token bucket. Tokens accrue at
// MaxRequests/WindowMs per millisecond up to MaxRequests; refill happens on
// access, never via a background timer, so an idle bucket costs nothing.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per millisecond
	lastRefill time.Time

	now func() time.Time
}

// NewTokenBucket creates a full bucket for the given rule.
func NewTokenBucket(rule Rule) *TokenBucket {
	max := float64(rule.MaxRequests)
	tb := &TokenBucket{
		tokens:     max,
		maxTokens:  max,
		refillRate: max / float64(rule.WindowMs),
		now:        time.Now,
	}
	tb.lastRefill = tb.now()
	return tb
}

// TryAcquire consumes one token if available. A false return means the
// caller must not proceed.
func (tb *TokenBucket) TryAcquire() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Utilization returns how much of the bucket is consumed, 0 (full) to 1
// (empty), after refill.
func (tb *TokenBucket) Utilization() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return 1 - tb.tokens/tb.maxTokens
}

// Adjust caps the current token count at floor(maxTokens*factor). This is a
// one-shot tightening: capacity is untouched and the effect decays as tokens
// refill, so no explicit un-throttle step is needed. Factors >= 1 that would
// raise the cap above the current count are no-ops.
func (tb *TokenBucket) Adjust(factor float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	cap := math.Floor(tb.maxTokens * factor)
	if tb.tokens > cap {
		tb.tokens = cap
	}
}

// ApplyBackpressure multiplies the current token count by factor.
// Emergency throttling: ApplyBackpressure(0.5) halves what is available
// right now without changing the refill behavior.
func (tb *TokenBucket) ApplyBackpressure(factor float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	tb.tokens *= factor
}

// Tokens returns the current token count after refill.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// refill adds tokens for the elapsed wall time. Caller holds tb.mu.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsedMs := float64(now.Sub(tb.lastRefill)) / float64(time.Millisecond)
	if elapsedMs <= 0 {
		return
	}

	tb.tokens = math.Min(tb.maxTokens, tb.tokens+elapsedMs*tb.refillRate)
	tb.lastRefill = now
}

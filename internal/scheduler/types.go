package scheduler

import (
	"errors"
	"time"

	"github.com/Milad-Afdasta/FlowCoord/internal/queue"
)

// Errors
var (
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrDeadlineExceeded = errors.New("operation deadline exceeded")
	ErrShuttingDown     = errors.New("scheduler is shutting down")
)

// Options control one scheduled operation.
type Options struct {
	Priority   queue.Priority // default medium
	Resource   string         // default "default"
	MaxRetries int            // default 3; negative means no retries
	Deadline   time.Time      // optional; checked before every attempt

	// RateLimitRule names the limiter rule to acquire from; empty uses the
	// default rule.
	RateLimitRule string
}

func (o Options) withDefaults() Options {
	if o.Priority < queue.PriorityLow || o.Priority > queue.PriorityHigh {
		o.Priority = queue.PriorityMedium
	}
	if o.Resource == "" {
		o.Resource = "default"
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	} else if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

// Bands maps load readings to multiplicative limiter adjustment factors.
// Evaluated top down: critical first, then high, elevated, idle, light.
// No hysteresis: these are plain threshold bands, tune the gaps if the
// factors oscillate.
type Bands struct {
	CriticalLoad   float64
	CriticalFactor float64
	HighLoad       float64
	HighFactor     float64
	ElevatedLoad   float64
	ElevatedFactor float64
	IdleLoad       float64
	IdleFactor     float64
	LightLoad      float64
	LightFactor    float64
}

// DefaultBands returns the default load bands.
func DefaultBands() Bands {
	return Bands{
		CriticalLoad:   0.9,
		CriticalFactor: 0.5,
		HighLoad:       0.8,
		HighFactor:     0.7,
		ElevatedLoad:   0.7,
		ElevatedFactor: 0.85,
		IdleLoad:       0.3,
		IdleFactor:     1.2,
		LightLoad:      0.5,
		LightFactor:    1.1,
	}
}

// Config holds scheduler tunables.
type Config struct {
	// FailureThreshold and RecoveryTimeout parameterize per-resource
	// circuit breakers.
	FailureThreshold float64
	RecoveryTimeout  time.Duration

	// AdaptInterval is how often rate limits adapt to load and queue
	// backpressure is applied.
	AdaptInterval time.Duration

	// HealthInterval is how often open breakers are probed for recovery.
	HealthInterval time.Duration

	// AdaptiveDelayBase is the base delay a denied high-priority acquire
	// waits before its single re-attempt: base * (1 + load*2).
	AdaptiveDelayBase time.Duration

	// BackpressureFactor scales limiter tokens when the queue is unhealthy
	// or out of capacity.
	BackpressureFactor float64

	// MaxBackoff caps the retry backoff; attempt n waits
	// min(BackoffBase * 2^(n-1), MaxBackoff).
	BackoffBase time.Duration
	MaxBackoff  time.Duration

	// LatencyAlpha is the smoothing factor of the latency moving average.
	LatencyAlpha float64

	Bands Bands
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   0.5,
		RecoveryTimeout:    30 * time.Second,
		AdaptInterval:      time.Second,
		HealthInterval:     30 * time.Second,
		AdaptiveDelayBase:  100 * time.Millisecond,
		BackpressureFactor: 0.5,
		BackoffBase:        time.Second,
		MaxBackoff:         30 * time.Second,
		LatencyAlpha:       0.1,
		Bands:              DefaultBands(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.AdaptInterval <= 0 {
		c.AdaptInterval = def.AdaptInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.AdaptiveDelayBase <= 0 {
		c.AdaptiveDelayBase = def.AdaptiveDelayBase
	}
	if c.BackpressureFactor <= 0 {
		c.BackpressureFactor = def.BackpressureFactor
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.LatencyAlpha <= 0 {
		c.LatencyAlpha = def.LatencyAlpha
	}
	if c.Bands == (Bands{}) {
		c.Bands = def.Bands
	}
	return c
}

// factorFor maps a load reading to a limiter adjustment factor.
func (c Config) factorFor(load float64) float64 {
	b := c.Bands
	switch {
	case load > b.CriticalLoad:
		return b.CriticalFactor
	case load > b.HighLoad:
		return b.HighFactor
	case load > b.ElevatedLoad:
		return b.ElevatedFactor
	case load < b.IdleLoad:
		return b.IdleFactor
	case load < b.LightLoad:
		return b.LightFactor
	default:
		return 1.0
	}
}

// Metrics is a point-in-time snapshot computed from live scheduler state.
type Metrics struct {
	ActiveOperations    int
	Completed           int64
	Failed              int64
	RejectedRateLimit   int64
	RejectedCircuitOpen int64
	AvgLatencyMs        float64
	CurrentLoad         float64
	Limiters            int
	OpenBreakers        int
}

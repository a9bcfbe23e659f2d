package queue

import (
	"errors"
	"time"
)

// Priority levels for queued work
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Downgrade returns the next lower tier. Low stays low.
func (p Priority) Downgrade() Priority {
	if p > PriorityLow {
		return p - 1
	}
	return PriorityLow
}

// Errors
var (
	ErrQueueFull         = errors.New("queue is at capacity")
	ErrProcessingTimeout = errors.New("processing timed out")
	ErrShuttingDown      = errors.New("queue is shutting down")
)

// Config holds tunable parameters for a queue instance.
// Zero values are replaced by the defaults from DefaultConfig.
type Config struct {
	// MaxQueueSize bounds the number of queued (not in-flight) items.
	MaxQueueSize int

	// MaxConcurrent bounds in-flight individual processing.
	MaxConcurrent int

	// BatchSize is the exact number of items handed to batch processors.
	BatchSize int

	// Tick is the background dispatch interval.
	Tick time.Duration

	// ProcessingTimeout bounds one processing attempt (item or batch).
	ProcessingTimeout time.Duration

	// RetryDelay is the base backoff delay; attempt n waits
	// RetryDelay * 2^(n-1).
	RetryDelay time.Duration

	// EvictionFraction is the share of MaxQueueSize worth of old
	// low-priority items evicted to make room when the queue is full.
	EvictionFraction float64

	// Weights maps priorities to their ordering weight. Higher dequeues
	// first.
	Weights map[Priority]int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:      1000,
		MaxConcurrent:     10,
		BatchSize:         10,
		Tick:              100 * time.Millisecond,
		ProcessingTimeout: 30 * time.Second,
		RetryDelay:        time.Second,
		EvictionFraction:  0.1,
		Weights: map[Priority]int{
			PriorityHigh:   3,
			PriorityMedium: 2,
			PriorityLow:    1,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Tick <= 0 {
		c.Tick = def.Tick
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = def.ProcessingTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.EvictionFraction <= 0 {
		c.EvictionFraction = def.EvictionFraction
	}
	if c.Weights == nil {
		c.Weights = def.Weights
	}
	return c
}

// Metrics is a point-in-time snapshot computed from live queue state.
type Metrics struct {
	QueueLength       int
	Processing        int
	TotalProcessed    int64
	TotalErrors       int64
	PermanentFailures int64
	Evicted           int64
	ErrorRate         float64
}

// Status summarizes queue capacity and health.
// HasCapacity is false once the queue is 80% full; IsHealthy requires a free
// processing slot and an error rate under 10%.
type Status struct {
	QueueLength int
	Processing  int
	HasCapacity bool
	IsHealthy   bool
}

package load

import (
	"math"
	"sync"
	"sync/atomic"
)

// Monitor derives a normalized 0-1 load score from queue depth and in-flight
// operation count. This is a cheap proxy, not a true utilization measure:
// the normalization divisors are tuned to the queue's configured capacity
// and concurrency defaults and must move with them.
type Monitor struct {
	queueDepth atomic.Int64
	processing atomic.Int64

	queueNorm float64
	procNorm  float64

	mu        sync.RWMutex
	resources map[string]float64
}

// NewMonitor creates a monitor with the given normalization divisors.
// Defaults of 1000 and 10 match the queue's default capacity and concurrency.
func NewMonitor(queueNorm, procNorm float64) *Monitor {
	if queueNorm <= 0 {
		queueNorm = 1000
	}
	if procNorm <= 0 {
		procNorm = 10
	}
	return &Monitor{
		queueNorm: queueNorm,
		procNorm:  procNorm,
		resources: make(map[string]float64),
	}
}

// SetQueueDepth records the current queue length.
func (m *Monitor) SetQueueDepth(n int) {
	m.queueDepth.Store(int64(n))
}

// SetProcessing records the current in-flight count.
func (m *Monitor) SetProcessing(n int) {
	m.processing.Store(int64(n))
}

// CurrentLoad returns min(1, queueDepth/queueNorm + processing/procNorm).
func (m *Monitor) CurrentLoad() float64 {
	score := float64(m.queueDepth.Load())/m.queueNorm +
		float64(m.processing.Load())/m.procNorm
	return math.Min(1, score)
}

// UpdateResourceUsage sets a per-resource gauge. Last write wins, no decay.
func (m *Monitor) UpdateResourceUsage(resource string, usage float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[resource] = usage
}

// ResourceUsage returns the last recorded gauge for the resource, 0 if never
// written.
func (m *Monitor) ResourceUsage(resource string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resources[resource]
}

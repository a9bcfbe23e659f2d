package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Milad-Afdasta/FlowCoord/internal/circuit"
	"github.com/Milad-Afdasta/FlowCoord/internal/load"
	"github.com/Milad-Afdasta/FlowCoord/internal/queue"
	"github.com/Milad-Afdasta/FlowCoord/internal/ratelimit"
)

// StatusSource reports queue capacity so the scheduler can apply
// backpressure to its limiters when the queue degrades.
type StatusSource interface {
	Status() queue.Status
}

// Scheduler runs arbitrary operations behind per-resource circuit breakers
// and named rate limiters, with retry and exponential backoff. Its
// adaptation loop periodically widens or narrows every limiter based on the
// load monitor, and halves limiter tokens whenever the shared queue reports
// trouble. A separate loop probes open breakers toward recovery.
//
// Limiters and breakers are created lazily, keyed by rule/resource name, and
// live until Shutdown.
type Scheduler struct {
	cfg Config

	limiters *ratelimit.Registry
	monitor  *load.Monitor
	qs       StatusSource // may be nil

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker

	active          atomic.Int64
	completed       atomic.Int64
	failed          atomic.Int64
	rejectedRate    atomic.Int64
	rejectedCircuit atomic.Int64
	emaLatency      atomic.Uint64 // float64 bits, milliseconds

	done     chan struct{}
	loopWG   sync.WaitGroup
	inFlight sync.WaitGroup
	closed   atomic.Bool
}

// New creates a scheduler and starts its adaptation and health loops.
// qs may be nil when no queue backpressure is wanted.
func New(cfg Config, limiters *ratelimit.Registry, monitor *load.Monitor, qs StatusSource) *Scheduler {
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		limiters: limiters,
		monitor:  monitor,
		qs:       qs,
		breakers: make(map[string]*circuit.Breaker),
		done:     make(chan struct{}),
	}

	s.loopWG.Add(2)
	go s.adaptLoop()
	go s.healthLoop()

	return s
}

// Do runs op once the resource's breaker and the named rate limiter permit
// it, retrying failures with exponential backoff up to opts.MaxRetries.
// Breaker-open and rate-limit denials fail fast without retrying; the caller
// may re-submit later.
func (s *Scheduler) Do(ctx context.Context, op func(context.Context) error, opts Options) error {
	if s.closed.Load() {
		return ErrShuttingDown
	}
	opts = opts.withDefaults()

	s.inFlight.Add(1)
	defer s.inFlight.Done()
	s.active.Add(1)
	defer s.active.Add(-1)

	br := s.breaker(opts.Resource)
	if br.IsOpen() {
		s.rejectedCircuit.Add(1)
		return circuit.ErrCircuitOpen
	}

	bucket := s.limiters.Get(opts.RateLimitRule)
	if !bucket.TryAcquire() {
		acquired := false
		if opts.Priority == queue.PriorityHigh {
			// One adaptive pause scaled by current load, then one retry.
			delay := time.Duration(float64(s.cfg.AdaptiveDelayBase) * (1 + s.monitor.CurrentLoad()*2))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			acquired = bucket.TryAcquire()
		}
		if !acquired {
			s.rejectedRate.Add(1)
			return ErrRateLimited
		}
	}

	return s.execute(ctx, op, opts, br)
}

// Schedule runs op through s and returns its result.
func Schedule[T any](ctx context.Context, s *Scheduler, op func(context.Context) (T, error), opts Options) (T, error) {
	var out T
	err := s.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts)
	return out, err
}

// execute is the retry loop shared by every admitted operation.
func (s *Scheduler) execute(ctx context.Context, op func(context.Context) error, opts Options, br *circuit.Breaker) error {
	for attempt := 1; ; attempt++ {
		if !opts.Deadline.IsZero() && time.Now().After(opts.Deadline) {
			s.failed.Add(1)
			return ErrDeadlineExceeded
		}

		start := time.Now()
		err := op(ctx)
		s.observeLatency(time.Since(start))

		if err == nil {
			br.RecordSuccess()
			s.completed.Add(1)
			return nil
		}
		br.RecordFailure()

		if attempt > opts.MaxRetries {
			s.failed.Add(1)
			return fmt.Errorf("operation on %q failed after %d attempts: %w", opts.Resource, attempt, err)
		}

		backoff := s.cfg.BackoffBase * time.Duration(1<<(attempt-1))
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
		log.WithFields(log.Fields{
			"resource": opts.Resource,
			"attempt":  attempt,
			"backoff":  backoff,
		}).Debugf("retrying operation: %v", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			s.failed.Add(1)
			return ctx.Err()
		case <-s.done:
			s.failed.Add(1)
			return ErrShuttingDown
		}
	}
}

// breaker returns the resource's breaker, creating it on first use.
func (s *Scheduler) breaker(resource string) *circuit.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	br, ok := s.breakers[resource]
	if !ok {
		br = circuit.NewBreaker(s.cfg.FailureThreshold, s.cfg.RecoveryTimeout)
		s.breakers[resource] = br
	}
	return br
}

func (s *Scheduler) observeLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	for {
		old := s.emaLatency.Load()
		prev := math.Float64frombits(old)
		next := prev + s.cfg.LatencyAlpha*(ms-prev)
		if old == 0 {
			next = ms // first sample seeds the average
		}
		if s.emaLatency.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (s *Scheduler) adaptLoop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.AdaptInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.adaptRateLimits()
		}
	}
}

// adaptRateLimits is one adaptation tick: refresh the load monitor, apply
// queue backpressure if needed, then scale every limiter by the load band
// factor. Adjust only ever lowers current tokens, so loosening factors take
// effect through natural refill.
func (s *Scheduler) adaptRateLimits() {
	if s.qs != nil {
		st := s.qs.Status()
		s.monitor.SetQueueDepth(st.QueueLength)

		if !st.IsHealthy || !st.HasCapacity {
			s.limiters.Each(func(name string, b *ratelimit.TokenBucket) {
				b.ApplyBackpressure(s.cfg.BackpressureFactor)
			})
			log.WithFields(log.Fields{
				"queue_length": st.QueueLength,
				"healthy":      st.IsHealthy,
			}).Warn("queue degraded, applying backpressure to rate limiters")
		}
	}
	s.monitor.SetProcessing(int(s.active.Load()))

	currentLoad := s.monitor.CurrentLoad()
	factor := s.cfg.factorFor(currentLoad)
	if factor != 1.0 {
		s.limiters.Each(func(name string, b *ratelimit.TokenBucket) {
			b.Adjust(factor)
		})
	}
}

func (s *Scheduler) healthLoop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.probeBreakers()
		}
	}
}

// probeBreakers moves stalled breakers from OPEN toward HALF_OPEN once their
// recovery timeout has elapsed.
func (s *Scheduler) probeBreakers() {
	s.mu.Lock()
	snapshot := make(map[string]*circuit.Breaker, len(s.breakers))
	for name, br := range s.breakers {
		snapshot[name] = br
	}
	s.mu.Unlock()

	for name, br := range snapshot {
		if br.ShouldAttemptReset() {
			br.AttemptReset()
			log.WithField("resource", name).Info("circuit breaker half-open, probing recovery")
		}
	}
}

// Metrics computes a snapshot from live state.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	openBreakers := 0
	for _, br := range s.breakers {
		if br.IsOpen() {
			openBreakers++
		}
	}
	s.mu.Unlock()

	return Metrics{
		ActiveOperations:    int(s.active.Load()),
		Completed:           s.completed.Load(),
		Failed:              s.failed.Load(),
		RejectedRateLimit:   s.rejectedRate.Load(),
		RejectedCircuitOpen: s.rejectedCircuit.Load(),
		AvgLatencyMs:        math.Float64frombits(s.emaLatency.Load()),
		CurrentLoad:         s.monitor.CurrentLoad(),
		Limiters:            s.limiters.Len(),
		OpenBreakers:        openBreakers,
	}
}

// Shutdown stops both loops, waits for in-flight operations to drain, then
// clears limiter and breaker maps. In-flight operations are not cancelled.
func (s *Scheduler) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	close(s.done)
	s.loopWG.Wait()
	s.inFlight.Wait()

	s.limiters.Clear()
	s.mu.Lock()
	s.breakers = make(map[string]*circuit.Breaker)
	s.mu.Unlock()

	log.Info("scheduler shut down")
}

package queue

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Processor handles one dequeued item. Returning an error (or exceeding the
// processing timeout) counts as that item's failure.
type Processor[T any] func(ctx context.Context, item *Item[T]) error

// BatchProcessor handles one dequeued batch. An error fails every item in
// the batch.
type BatchProcessor[T any] func(ctx context.Context, items []*Item[T]) error

type namedProcessor[T any] struct {
	name string
	fn   Processor[T]
}

type namedBatchProcessor[T any] struct {
	name string
	fn   BatchProcessor[T]
}

// Queue is a bounded, in-memory priority queue with a background dispatch
// loop. Items are kept sorted by descending priority weight, FIFO within a
// tier. Registered processors are invoked from the loop: batch processors
// when a full batch is available, individual processors otherwise, bounded
// by MaxConcurrent with a per-attempt timeout.
//
// Dequeue always draws from the front of the sorted list, so a sustained
// burst of high-priority enqueues can starve low-priority items. That is a
// known property of this design, not something the queue compensates for.
//
// All public methods are safe for concurrent use.
type Queue[T any] struct {
	cfg Config

	mu              sync.Mutex
	items           []*Item[T]
	processors      []namedProcessor[T]
	batchProcessors []namedBatchProcessor[T]

	processing        atomic.Int64
	totalProcessed    atomic.Int64
	totalErrors       atomic.Int64
	permanentFailures atomic.Int64
	evicted           atomic.Int64

	done     chan struct{}
	loopWG   sync.WaitGroup
	inFlight sync.WaitGroup
	closed   atomic.Bool
}

// New creates a queue and starts its dispatch loop. Call Shutdown when done.
func New[T any](cfg Config) *Queue[T] {
	q := &Queue[T]{
		cfg:  cfg.withDefaults(),
		done: make(chan struct{}),
	}

	q.loopWG.Add(1)
	go q.run()

	return q
}

// Enqueue adds an item and returns its id. When the queue is full it first
// evicts up to ceil(MaxQueueSize*EvictionFraction) of the oldest low-priority
// items; if the queue is still full the enqueue fails with ErrQueueFull.
func (q *Queue[T]) Enqueue(payload T, pri Priority, maxRetries int) (string, error) {
	if q.closed.Load() {
		return "", ErrShuttingDown
	}
	if pri < PriorityLow || pri > PriorityHigh {
		pri = PriorityMedium
	}
	if maxRetries < 0 {
		maxRetries = 3
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.cfg.MaxQueueSize {
		removed := q.evictLowPriorityLocked()
		if removed > 0 {
			log.WithFields(log.Fields{
				"evicted": removed,
				"length":  len(q.items),
			}).Warn("queue full, evicted low-priority items")
		}
		if len(q.items) >= q.cfg.MaxQueueSize {
			return "", ErrQueueFull
		}
	}

	it := newItem(payload, pri, maxRetries, time.Now())
	q.insertLocked(it)
	return it.ID, nil
}

// RegisterProcessor adds an individual processor. All registered processors
// run in registration order against every item dequeued individually.
func (q *Queue[T]) RegisterProcessor(name string, fn Processor[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors = append(q.processors, namedProcessor[T]{name: name, fn: fn})
}

// RegisterBatchProcessor adds a batch processor. All registered batch
// processors run in registration order against every dequeued batch.
func (q *Queue[T]) RegisterBatchProcessor(name string, fn BatchProcessor[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batchProcessors = append(q.batchProcessors, namedBatchProcessor[T]{name: name, fn: fn})
}

// Len returns the number of queued (not in-flight) items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Metrics computes a snapshot from live state.
func (q *Queue[T]) Metrics() Metrics {
	processed := q.totalProcessed.Load()
	errs := q.totalErrors.Load()

	denom := processed
	if denom == 0 {
		denom = 1
	}

	return Metrics{
		QueueLength:       q.Len(),
		Processing:        int(q.processing.Load()),
		TotalProcessed:    processed,
		TotalErrors:       errs,
		PermanentFailures: q.permanentFailures.Load(),
		Evicted:           q.evicted.Load(),
		ErrorRate:         float64(errs) / float64(denom),
	}
}

// Status reports capacity and health.
func (q *Queue[T]) Status() Status {
	m := q.Metrics()
	return Status{
		QueueLength: m.QueueLength,
		Processing:  m.Processing,
		HasCapacity: m.QueueLength < int(0.8*float64(q.cfg.MaxQueueSize)),
		IsHealthy:   m.Processing < q.cfg.MaxConcurrent && m.ErrorRate < 0.1,
	}
}

// Shutdown stops the dispatch loop, waits for in-flight processing to drain,
// then releases processor registrations. No new items are accepted or
// dispatched after Shutdown is called; in-flight work is never cancelled.
func (q *Queue[T]) Shutdown() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}

	close(q.done)
	q.loopWG.Wait()
	q.inFlight.Wait()

	q.mu.Lock()
	q.processors = nil
	q.batchProcessors = nil
	q.mu.Unlock()

	log.WithField("remaining", q.Len()).Info("queue shut down")
}

// insertLocked places the item so the slice stays sorted by descending
// weight, FIFO (ascending enqueue time) within equal weight. Caller holds
// q.mu.
func (q *Queue[T]) insertLocked(it *Item[T]) {
	w := q.weight(it.Priority)
	idx := sort.Search(len(q.items), func(i int) bool {
		wi := q.weight(q.items[i].Priority)
		if wi != w {
			return wi < w
		}
		return q.items[i].EnqueuedAt.After(it.EnqueuedAt)
	})

	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = it
}

func (q *Queue[T]) weight(p Priority) int {
	return q.cfg.Weights[p]
}

// evictLowPriorityLocked removes up to ceil(MaxQueueSize*EvictionFraction)
// of the oldest low-priority items. Caller holds q.mu.
func (q *Queue[T]) evictLowPriorityLocked() int {
	limit := int(math.Ceil(float64(q.cfg.MaxQueueSize) * q.cfg.EvictionFraction))

	removed := 0
	kept := q.items[:0]
	for _, it := range q.items {
		if removed < limit && it.Priority == PriorityLow {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept

	q.evicted.Add(int64(removed))
	return removed
}

// run is the background dispatch loop.
func (q *Queue[T]) run() {
	defer q.loopWG.Done()

	ticker := time.NewTicker(q.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.dispatch()
		}
	}
}

// dispatch pulls ready work and hands it to processors. The synchronous part
// only dequeues and spawns; the loop never blocks on processing.
func (q *Queue[T]) dispatch() {
	available := q.cfg.MaxConcurrent - int(q.processing.Load())
	if available < 0 {
		return
	}

	q.mu.Lock()
	var batch, singles []*Item[T]
	switch {
	case len(q.batchProcessors) > 0 && len(q.items) >= q.cfg.BatchSize:
		batch = append(batch, q.items[:q.cfg.BatchSize]...)
		q.items = q.items[q.cfg.BatchSize:]
	default:
		n := min(available, len(q.items))
		singles = append(singles, q.items[:n]...)
		q.items = q.items[n:]
	}
	q.mu.Unlock()

	if len(batch) > 0 {
		q.processing.Add(int64(len(batch)))
		q.inFlight.Add(1)
		go q.processBatch(batch)
		return
	}

	for _, it := range singles {
		q.processing.Add(1)
		q.inFlight.Add(1)
		go q.processItem(it)
	}
}

func (q *Queue[T]) processItem(it *Item[T]) {
	defer q.inFlight.Done()
	defer q.processing.Add(-1)

	start := time.Now()
	it.ProcessingStartedAt = &start

	q.mu.Lock()
	procs := make([]namedProcessor[T], len(q.processors))
	copy(procs, q.processors)
	q.mu.Unlock()

	err := q.runBounded(func(ctx context.Context) error {
		for _, p := range procs {
			if perr := p.fn(ctx, it); perr != nil {
				return perr
			}
		}
		return nil
	})

	end := time.Now()
	it.ProcessingEndedAt = &end

	if err != nil {
		q.totalErrors.Add(1)
		q.handleItemError(it, err)
		return
	}
	q.totalProcessed.Add(1)
}

func (q *Queue[T]) processBatch(items []*Item[T]) {
	defer q.inFlight.Done()
	defer q.processing.Add(-int64(len(items)))

	start := time.Now()
	for _, it := range items {
		t := start
		it.ProcessingStartedAt = &t
	}

	q.mu.Lock()
	procs := make([]namedBatchProcessor[T], len(q.batchProcessors))
	copy(procs, q.batchProcessors)
	q.mu.Unlock()

	err := q.runBounded(func(ctx context.Context) error {
		for _, p := range procs {
			if perr := p.fn(ctx, items); perr != nil {
				return perr
			}
		}
		return nil
	})

	end := time.Now()
	for _, it := range items {
		t := end
		it.ProcessingEndedAt = &t
	}

	if err != nil {
		q.totalErrors.Add(int64(len(items)))
		for _, it := range items {
			q.handleItemError(it, err)
		}
		return
	}
	q.totalProcessed.Add(int64(len(items)))
}

// runBounded races fn against the processing timeout. On timeout the
// underlying work keeps running in the background with its result discarded;
// there is no mid-flight cancellation beyond the context.
func (q *Queue[T]) runBounded(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ProcessingTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ErrProcessingTimeout
	}
}

// handleItemError retries the item with exponential backoff and its priority
// downgraded one tier, or drops it once retries are exhausted. Downgrading
// keeps a persistently failing high-priority item from starving the rest of
// the queue.
func (q *Queue[T]) handleItemError(it *Item[T], err error) {
	if it.RetryCount < it.MaxRetries {
		it.RetryCount++
		it.LastErr = nil
		it.Priority = it.Priority.Downgrade()
		it.ProcessingStartedAt = nil
		it.ProcessingEndedAt = nil

		delay := q.cfg.RetryDelay * time.Duration(1<<(it.RetryCount-1))
		log.WithFields(log.Fields{
			"item":     it.ID,
			"retry":    it.RetryCount,
			"priority": it.Priority.String(),
			"delay":    delay,
		}).Debugf("retrying item: %v", err)

		time.AfterFunc(delay, func() {
			q.requeue(it)
		})
		return
	}

	it.LastErr = err
	q.permanentFailures.Add(1)
	log.WithFields(log.Fields{
		"item":    it.ID,
		"retries": it.RetryCount,
	}).Errorf("dropping item after exhausting retries: %v", err)
}

// requeue re-inserts a retried item. Retries bypass the capacity check so a
// full queue cannot silently discard work it already accepted.
func (q *Queue[T]) requeue(it *Item[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed.Load() {
		log.WithField("item", it.ID).Warn("dropping retry, queue shut down")
		return
	}
	q.insertLocked(it)
}

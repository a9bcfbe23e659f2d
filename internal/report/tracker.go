package report

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Milad-Afdasta/FlowCoord/internal/health"
	"github.com/Milad-Afdasta/FlowCoord/internal/notify"
	"github.com/Milad-Afdasta/FlowCoord/internal/queue"
	"github.com/Milad-Afdasta/FlowCoord/internal/scheduler"
)

// Tracker coordinates report regeneration for the out-of-scope reporting
// subsystem: change events mark their table dirty, and a background loop
// pushes one regeneration per dirty table through the scheduler under the
// "reporting" resource. The regeneration callback is pluggable; the default
// only clears the dirty mark.
type Tracker struct {
	sched    *scheduler.Scheduler
	interval time.Duration

	// Regenerate is invoked once per dirty table. Replaceable before the
	// first tick by the owner wiring in the real reporting subsystem.
	Regenerate func(ctx context.Context, table string) error

	mu    sync.Mutex
	dirty map[string]time.Time

	regenerated atomic.Int64
	failures    atomic.Int64

	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewTracker creates a tracker and starts its regeneration loop.
func NewTracker(sched *scheduler.Scheduler, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	t := &Tracker{
		sched:    sched,
		interval: interval,
		dirty:    make(map[string]time.Time),
		done:     make(chan struct{}),
		Regenerate: func(context.Context, string) error {
			return nil
		},
	}

	t.wg.Add(1)
	go t.run()

	return t
}

// MarkDirty records that a table's reports are stale.
func (t *Tracker) MarkDirty(table string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.dirty[table]; !ok {
		t.dirty[table] = time.Now()
	}
}

// Process marks one item's table dirty. Registered as an individual queue
// processor.
func (t *Tracker) Process(_ context.Context, item *queue.Item[notify.Event]) error {
	t.MarkDirty(item.Payload.Table)
	return nil
}

// ProcessBatch marks every item's table dirty. Registered as a batch queue
// processor.
func (t *Tracker) ProcessBatch(_ context.Context, items []*queue.Item[notify.Event]) error {
	for _, item := range items {
		t.MarkDirty(item.Payload.Table)
	}
	return nil
}

func (t *Tracker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.regenerateDirty()
		}
	}
}

func (t *Tracker) regenerateDirty() {
	t.mu.Lock()
	tables := make([]string, 0, len(t.dirty))
	for table := range t.dirty {
		tables = append(tables, table)
	}
	t.mu.Unlock()

	for _, table := range tables {
		err := t.sched.Do(context.Background(), func(ctx context.Context) error {
			return t.Regenerate(ctx, table)
		}, scheduler.Options{
			Priority:      queue.PriorityLow,
			Resource:      "reporting",
			RateLimitRule: "reporting",
		})
		if err != nil {
			t.failures.Add(1)
			log.Warnf("report regeneration for %q failed: %v", table, err)
			continue
		}

		t.regenerated.Add(1)
		t.mu.Lock()
		delete(t.dirty, table)
		t.mu.Unlock()
	}
}

// ReportingMetrics implements health.ReportingSource.
func (t *Tracker) ReportingMetrics() health.ReportingMetrics {
	t.mu.Lock()
	pending := len(t.dirty)
	t.mu.Unlock()

	ok := t.regenerated.Load()
	failed := t.failures.Load()
	total := ok + failed
	if total == 0 {
		total = 1
	}

	return health.ReportingMetrics{
		ErrorRate:            float64(failed) / float64(total),
		PendingRegenerations: pending,
	}
}

// Stop halts the regeneration loop.
func (t *Tracker) Stop() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	close(t.done)
	t.wg.Wait()
}

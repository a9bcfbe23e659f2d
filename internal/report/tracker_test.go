package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Milad-Afdasta/FlowCoord/internal/load"
	"github.com/Milad-Afdasta/FlowCoord/internal/notify"
	"github.com/Milad-Afdasta/FlowCoord/internal/queue"
	"github.com/Milad-Afdasta/FlowCoord/internal/ratelimit"
	"github.com/Milad-Afdasta/FlowCoord/internal/scheduler"
)

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	cfg := scheduler.DefaultConfig()
	cfg.AdaptInterval = time.Hour
	cfg.HealthInterval = time.Hour
	cfg.BackoffBase = 5 * time.Millisecond
	s := scheduler.New(cfg, ratelimit.NewRegistry(), load.NewMonitor(0, 0), nil)
	t.Cleanup(s.Shutdown)
	return s
}

func testItem(table string) *queue.Item[notify.Event] {
	return &queue.Item[notify.Event]{
		Payload:  notify.Event{Kind: notify.KindUpdate, Table: table},
		Priority: queue.PriorityMedium,
	}
}

func TestProcessMarksTableDirty(t *testing.T) {
	tr := NewTracker(newTestScheduler(t), time.Hour)
	defer tr.Stop()

	require.NoError(t, tr.Process(context.Background(), testItem("orders")))
	require.NoError(t, tr.ProcessBatch(context.Background(), []*queue.Item[notify.Event]{
		testItem("users"),
		testItem("orders"), // duplicate, already dirty
	}))

	assert.Equal(t, 2, tr.ReportingMetrics().PendingRegenerations)
}

func TestDirtyTablesAreRegenerated(t *testing.T) {
	tr := NewTracker(newTestScheduler(t), 20*time.Millisecond)
	defer tr.Stop()

	var mu sync.Mutex
	seen := make(map[string]int)
	tr.Regenerate = func(_ context.Context, table string) error {
		mu.Lock()
		seen[table]++
		mu.Unlock()
		return nil
	}

	tr.MarkDirty("orders")
	tr.MarkDirty("users")

	require.Eventually(t, func() bool {
		return tr.ReportingMetrics().PendingRegenerations == 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen["orders"], "regeneration clears the dirty mark")
	assert.Equal(t, 1, seen["users"])
	assert.Zero(t, tr.ReportingMetrics().ErrorRate)
}

func TestFailedRegenerationStaysDirty(t *testing.T) {
	tr := NewTracker(newTestScheduler(t), 20*time.Millisecond)
	defer tr.Stop()

	tr.Regenerate = func(context.Context, string) error {
		return errors.New("warehouse unavailable")
	}
	tr.MarkDirty("orders")

	require.Eventually(t, func() bool {
		return tr.failures.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	m := tr.ReportingMetrics()
	assert.Equal(t, 1, m.PendingRegenerations, "failed table must stay dirty for the next tick")
	assert.Positive(t, m.ErrorRate)
}

func TestStopIsIdempotent(t *testing.T) {
	tr := NewTracker(newTestScheduler(t), time.Hour)
	tr.Stop()
	tr.Stop()
}

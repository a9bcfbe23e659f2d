package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
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

func testItem(ev notify.Event) *queue.Item[notify.Event] {
	return &queue.Item[notify.Event]{Payload: ev, Priority: queue.PriorityMedium}
}

func TestProcessSinkMode(t *testing.T) {
	f := NewForwarder(newTestScheduler(t), "")

	err := f.Process(context.Background(), testItem(notify.Event{
		Kind:  notify.KindInsert,
		Table: "users",
	}))
	require.NoError(t, err)

	assert.Equal(t, int64(1), f.sent.Load())
	m := f.DeliveryMetrics()
	assert.Zero(t, m.ErrorRate)
	assert.Zero(t, m.Backlog)
}

func TestProcessDeliversDownstream(t *testing.T) {
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		body.Store(string(buf))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewForwarder(newTestScheduler(t), srv.URL)

	err := f.Process(context.Background(), testItem(notify.Event{
		Kind:      notify.KindUpdate,
		Table:     "orders",
		Timestamp: time.UnixMilli(1700000000000),
		Record:    []byte(`{"id":1}`),
	}))
	require.NoError(t, err)

	got, _ := body.Load().(string)
	assert.JSONEq(t, `{"kind":"update","table":"orders","timestamp":1700000000000,"record":{"id":1}}`, got)
	assert.Equal(t, int64(1), f.sent.Load())
}

func TestProcessDownstreamRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewForwarder(newTestScheduler(t), srv.URL)

	err := f.Process(context.Background(), testItem(notify.Event{
		Kind:  notify.KindDelete,
		Table: "users",
	}))
	require.Error(t, err)

	assert.Positive(t, f.failed.Load())
	assert.Positive(t, f.DeliveryMetrics().ErrorRate)
}

func TestProcessBatchStopsOnFirstError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewForwarder(newTestScheduler(t), srv.URL)

	items := []*queue.Item[notify.Event]{
		testItem(notify.Event{Kind: notify.KindInsert, Table: "a"}),
		testItem(notify.Event{Kind: notify.KindInsert, Table: "b"}),
	}
	err := f.ProcessBatch(context.Background(), items)
	assert.Error(t, err)
}

func TestEncodeEvent(t *testing.T) {
	ev := notify.Event{
		Kind:      notify.KindUpdate,
		Table:     "orders",
		Timestamp: time.UnixMilli(42),
		Record:    []byte(`{"id":2}`),
		OldRecord: []byte(`{"id":1}`),
	}
	assert.JSONEq(t,
		`{"kind":"update","table":"orders","timestamp":42,"record":{"id":2},"old_record":{"id":1}}`,
		string(encodeEvent(ev)))

	// Deletes carry no new record.
	ev = notify.Event{Kind: notify.KindDelete, Table: "users", Timestamp: time.UnixMilli(42), OldRecord: []byte(`{"id":3}`)}
	assert.JSONEq(t,
		`{"kind":"delete","table":"users","timestamp":42,"old_record":{"id":3}}`,
		string(encodeEvent(ev)))
}

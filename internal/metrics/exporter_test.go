package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Milad-Afdasta/FlowCoord/internal/health"
	"github.com/Milad-Afdasta/FlowCoord/internal/queue"
	"github.com/Milad-Afdasta/FlowCoord/internal/scheduler"
)

type fakeQueue struct {
	m  queue.Metrics
	st queue.Status
}

func (f *fakeQueue) Metrics() queue.Metrics { return f.m }
func (f *fakeQueue) Status() queue.Status   { return f.st }

type fakeSched struct {
	m scheduler.Metrics
}

func (f *fakeSched) Metrics() scheduler.Metrics { return f.m }

func newTestExporter(t *testing.T, q *fakeQueue, s *fakeSched) *Exporter {
	t.Helper()
	e := NewExporter(q, s, time.Hour)
	t.Cleanup(e.Stop)
	return e
}

func TestMetricsEndpointExposesGauges(t *testing.T) {
	q := &fakeQueue{
		m:  queue.Metrics{QueueLength: 42, TotalProcessed: 7, ErrorRate: 0.5},
		st: queue.Status{HasCapacity: true, IsHealthy: true},
	}
	s := &fakeSched{m: scheduler.Metrics{Completed: 3, OpenBreakers: 1}}
	e := newTestExporter(t, q, s)

	agg := health.New(health.Config{HealthInterval: time.Hour}, q, s, nil, nil)
	defer agg.Stop()

	srv := httptest.NewServer(e.Router(agg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := readAll(t, resp)
	assert.Contains(t, body, "flowcoord_queue_length 42")
	assert.Contains(t, body, "flowcoord_queue_processed_total 7")
	assert.Contains(t, body, "flowcoord_queue_error_rate 0.5")
	assert.Contains(t, body, "flowcoord_scheduler_completed_total 3")
	assert.Contains(t, body, "flowcoord_scheduler_open_breakers 1")
}

func TestHealthEndpointStatusCodes(t *testing.T) {
	q := &fakeQueue{st: queue.Status{HasCapacity: true, IsHealthy: true}}
	s := &fakeSched{}
	e := newTestExporter(t, q, s)

	agg := health.New(health.Config{HealthInterval: time.Hour}, q, s, nil, nil)
	defer agg.Stop()

	srv := httptest.NewServer(e.Router(agg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Three queue issues push the component, and so the system, to critical.
	q.m = queue.Metrics{ErrorRate: 0.9, QueueLength: 5000}
	q.st = queue.Status{HasCapacity: false}

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, readAll(t, resp), `"overall":"critical"`)
}

func TestStatusAndReportEndpoints(t *testing.T) {
	q := &fakeQueue{m: queue.Metrics{QueueLength: 9}, st: queue.Status{HasCapacity: true, IsHealthy: true}}
	s := &fakeSched{}
	e := newTestExporter(t, q, s)

	agg := health.New(health.Config{HealthInterval: time.Hour}, q, s, nil, nil)
	defer agg.Stop()

	srv := httptest.NewServer(e.Router(agg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	body := readAll(t, resp)
	resp.Body.Close()
	assert.Contains(t, body, `"QueueLength":9`)

	resp, err = http.Get(srv.URL + "/health/report")
	require.NoError(t, err)
	body = readAll(t, resp)
	resp.Body.Close()
	assert.Contains(t, body, `"generated_at"`)
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

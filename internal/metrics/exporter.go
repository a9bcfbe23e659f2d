package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Milad-Afdasta/FlowCoord/internal/health"
)

// Exporter publishes queue and scheduler snapshots as Prometheus metrics and
// serves the admin HTTP plane (/metrics, /health, /health/report, /status).
type Exporter struct {
	registry *prometheus.Registry

	queueLength       prometheus.Gauge
	queueProcessing   prometheus.Gauge
	queueProcessed    prometheus.Gauge
	queueErrors       prometheus.Gauge
	queuePermFailures prometheus.Gauge
	queueEvicted      prometheus.Gauge
	queueErrorRate    prometheus.Gauge

	schedActive       prometheus.Gauge
	schedCompleted    prometheus.Gauge
	schedFailed       prometheus.Gauge
	schedRejectedRate prometheus.Gauge
	schedRejectedOpen prometheus.Gauge
	schedLatencyMs    prometheus.Gauge
	schedLoad         prometheus.Gauge
	schedOpenBreakers prometheus.Gauge

	queue health.QueueSource
	sched health.SchedulerSource

	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowcoord",
		Name:      name,
		Help:      help,
	})
}

// NewExporter creates an exporter and starts its poll loop.
func NewExporter(q health.QueueSource, s health.SchedulerSource, interval time.Duration) *Exporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	e := &Exporter{
		registry: prometheus.NewRegistry(),
		queue:    q,
		sched:    s,
		interval: interval,
		done:     make(chan struct{}),

		queueLength:       gauge("queue_length", "Items currently queued"),
		queueProcessing:   gauge("queue_processing", "Items currently processing"),
		queueProcessed:    gauge("queue_processed_total", "Items processed successfully"),
		queueErrors:       gauge("queue_errors_total", "Failed processing attempts"),
		queuePermFailures: gauge("queue_permanent_failures_total", "Items dropped after exhausting retries"),
		queueEvicted:      gauge("queue_evicted_total", "Low-priority items evicted for capacity"),
		queueErrorRate:    gauge("queue_error_rate", "Errors per processed item"),

		schedActive:       gauge("scheduler_active_operations", "Operations currently in flight"),
		schedCompleted:    gauge("scheduler_completed_total", "Operations completed"),
		schedFailed:       gauge("scheduler_failed_total", "Operations failed after retries"),
		schedRejectedRate: gauge("scheduler_rejected_rate_limited_total", "Operations rejected by rate limiting"),
		schedRejectedOpen: gauge("scheduler_rejected_circuit_open_total", "Operations rejected by open breakers"),
		schedLatencyMs:    gauge("scheduler_latency_ms", "Smoothed operation latency in milliseconds"),
		schedLoad:         gauge("scheduler_load", "Current normalized load"),
		schedOpenBreakers: gauge("scheduler_open_breakers", "Circuit breakers currently open"),
	}

	e.registry.MustRegister(
		e.queueLength, e.queueProcessing, e.queueProcessed, e.queueErrors,
		e.queuePermFailures, e.queueEvicted, e.queueErrorRate,
		e.schedActive, e.schedCompleted, e.schedFailed, e.schedRejectedRate,
		e.schedRejectedOpen, e.schedLatencyMs, e.schedLoad, e.schedOpenBreakers,
	)

	e.wg.Add(1)
	go e.run()

	return e
}

func (e *Exporter) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.collect()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.collect()
		}
	}
}

func (e *Exporter) collect() {
	qm := e.queue.Metrics()
	e.queueLength.Set(float64(qm.QueueLength))
	e.queueProcessing.Set(float64(qm.Processing))
	e.queueProcessed.Set(float64(qm.TotalProcessed))
	e.queueErrors.Set(float64(qm.TotalErrors))
	e.queuePermFailures.Set(float64(qm.PermanentFailures))
	e.queueEvicted.Set(float64(qm.Evicted))
	e.queueErrorRate.Set(qm.ErrorRate)

	sm := e.sched.Metrics()
	e.schedActive.Set(float64(sm.ActiveOperations))
	e.schedCompleted.Set(float64(sm.Completed))
	e.schedFailed.Set(float64(sm.Failed))
	e.schedRejectedRate.Set(float64(sm.RejectedRateLimit))
	e.schedRejectedOpen.Set(float64(sm.RejectedCircuitOpen))
	e.schedLatencyMs.Set(sm.AvgLatencyMs)
	e.schedLoad.Set(sm.CurrentLoad)
	e.schedOpenBreakers.Set(float64(sm.OpenBreakers))
}

// Router builds the admin plane router.
func (e *Exporter) Router(agg *health.Aggregator) *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		snap := agg.SystemHealth()
		w.Header().Set("Content-Type", "application/json")
		if snap.Overall == health.StatusCritical {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snap)
	}).Methods(http.MethodGet)

	r.HandleFunc("/health/report", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(agg.PerformanceReport())
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"queue":     e.queue.Metrics(),
			"scheduler": e.sched.Metrics(),
		})
	}).Methods(http.MethodGet)

	return r
}

// Stop halts the poll loop.
func (e *Exporter) Stop() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	close(e.done)
	e.wg.Wait()
}

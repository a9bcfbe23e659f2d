package health

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Milad-Afdasta/FlowCoord/internal/cache"
	"github.com/Milad-Afdasta/FlowCoord/internal/queue"
	"github.com/Milad-Afdasta/FlowCoord/internal/scheduler"
)

// Status classifies a component or the whole system.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// worse reports whether a is worse than b.
func (a Status) worse(b Status) bool {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	return rank[a] > rank[b]
}

// QueueSource is the queue's observability surface.
type QueueSource interface {
	Metrics() queue.Metrics
	Status() queue.Status
}

// SchedulerSource is the scheduler's observability surface.
type SchedulerSource interface {
	Metrics() scheduler.Metrics
}

// DeliveryMetrics is what the delivery collaborator exposes.
type DeliveryMetrics struct {
	ErrorRate    float64
	AvgLatencyMs float64
	Backlog      int
}

// DeliverySource is the delivery subsystem's observability surface.
type DeliverySource interface {
	DeliveryMetrics() DeliveryMetrics
}

// ReportingMetrics is what the reporting collaborator exposes.
type ReportingMetrics struct {
	ErrorRate            float64
	PendingRegenerations int
}

// ReportingSource is the reporting subsystem's observability surface.
type ReportingSource interface {
	ReportingMetrics() ReportingMetrics
}

// Thresholds are the per-signal limits a component is judged against.
type Thresholds struct {
	ErrorRate            float64 // fraction, default 0.10
	LatencyMs            float64 // default 5000
	Load                 float64 // default 0.90
	Backlog              int     // default 100
	PendingRegenerations int     // default 10
}

// DefaultThresholds returns the default health thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRate:            0.10,
		LatencyMs:            5000,
		Load:                 0.90,
		Backlog:              100,
		PendingRegenerations: 10,
	}
}

// Config holds aggregator tunables.
type Config struct {
	HealthInterval time.Duration // default 30s
	ReportTTL      time.Duration // default 5m
	Thresholds     Thresholds
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HealthInterval: 30 * time.Second,
		ReportTTL:      5 * time.Minute,
		Thresholds:     DefaultThresholds(),
	}
}

// Component is one classified component with its open issues.
type Component struct {
	Name   string   `json:"name"`
	Status Status   `json:"status"`
	Issues []string `json:"issues,omitempty"`
}

// Snapshot is one aggregate health verdict.
type Snapshot struct {
	Overall         Status      `json:"overall"`
	Components      []Component `json:"components"`
	Recommendations []string    `json:"recommendations,omitempty"`
	CheckedAt       time.Time   `json:"checked_at"`
}

// PerformanceReport bundles raw metrics from every observed component.
// Reports are cached for Config.ReportTTL.
type PerformanceReport struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Queue       queue.Metrics     `json:"queue"`
	Scheduler   scheduler.Metrics `json:"scheduler"`
	Delivery    DeliveryMetrics   `json:"delivery"`
	Reporting   ReportingMetrics  `json:"reporting"`
}

// Aggregator polls queue, scheduler, delivery and reporting metrics,
// classifies each component from simple issue counts (0 healthy, 1-2
// degraded, 3+ critical) and takes the worst as the overall verdict.
type Aggregator struct {
	cfg       Config
	queue     QueueSource
	sched     SchedulerSource
	delivery  DeliverySource  // may be nil
	reporting ReportingSource // may be nil

	reports *cache.Cache[string, PerformanceReport]

	mu   sync.RWMutex
	last Snapshot

	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an aggregator and starts its polling loop. delivery and
// reporting may be nil; those components are then skipped.
func New(cfg Config, q QueueSource, s SchedulerSource, d DeliverySource, r ReportingSource) *Aggregator {
	def := DefaultConfig()
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.ReportTTL <= 0 {
		cfg.ReportTTL = def.ReportTTL
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}

	a := &Aggregator{
		cfg:       cfg,
		queue:     q,
		sched:     s,
		delivery:  d,
		reporting: r,
		done:      make(chan struct{}),
	}
	a.reports = cache.New(cfg.ReportTTL, func(string) (PerformanceReport, error) {
		return a.buildReport(), nil
	})

	a.wg.Add(1)
	go a.run()

	return a
}

// SystemHealth computes a fresh verdict from current component state.
// Deterministic: unchanged inputs yield an identical verdict.
func (a *Aggregator) SystemHealth() Snapshot {
	snap := Snapshot{
		Overall:   StatusHealthy,
		CheckedAt: time.Now(),
	}

	snap.Components = append(snap.Components, a.checkQueue())
	snap.Components = append(snap.Components, a.checkScheduler())
	if a.delivery != nil {
		snap.Components = append(snap.Components, a.checkDelivery())
	}
	if a.reporting != nil {
		snap.Components = append(snap.Components, a.checkReporting())
	}

	for _, c := range snap.Components {
		if c.Status.worse(snap.Overall) {
			snap.Overall = c.Status
		}
	}
	snap.Recommendations = a.recommend(snap.Components)

	return snap
}

// LastSnapshot returns the most recent polled verdict, or a fresh one if the
// loop has not run yet.
func (a *Aggregator) LastSnapshot() Snapshot {
	a.mu.RLock()
	last := a.last
	a.mu.RUnlock()

	if last.CheckedAt.IsZero() {
		return a.SystemHealth()
	}
	return last
}

// PerformanceReport returns the (cached) raw metrics report.
func (a *Aggregator) PerformanceReport() PerformanceReport {
	report, _ := a.reports.Get("system")
	return report
}

// Stop halts the polling loop.
func (a *Aggregator) Stop() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	close(a.done)
	a.wg.Wait()
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			snap := a.SystemHealth()
			a.mu.Lock()
			a.last = snap
			a.mu.Unlock()

			if snap.Overall != StatusHealthy {
				log.WithFields(log.Fields{
					"overall":         snap.Overall,
					"recommendations": snap.Recommendations,
				}).Warn("system health degraded")
			}
		}
	}
}

func (a *Aggregator) buildReport() PerformanceReport {
	report := PerformanceReport{
		GeneratedAt: time.Now(),
		Queue:       a.queue.Metrics(),
		Scheduler:   a.sched.Metrics(),
	}
	if a.delivery != nil {
		report.Delivery = a.delivery.DeliveryMetrics()
	}
	if a.reporting != nil {
		report.Reporting = a.reporting.ReportingMetrics()
	}
	return report
}

func (a *Aggregator) checkQueue() Component {
	m := a.queue.Metrics()
	st := a.queue.Status()
	thr := a.cfg.Thresholds

	var issues []string
	if m.ErrorRate > thr.ErrorRate {
		issues = append(issues, fmt.Sprintf("error rate %.1f%% above %.0f%%", m.ErrorRate*100, thr.ErrorRate*100))
	}
	if !st.HasCapacity {
		issues = append(issues, "queue nearing capacity")
	}
	if m.QueueLength > thr.Backlog {
		issues = append(issues, fmt.Sprintf("backlog %d above %d", m.QueueLength, thr.Backlog))
	}
	return Component{Name: "queue", Status: classify(issues), Issues: issues}
}

func (a *Aggregator) checkScheduler() Component {
	m := a.sched.Metrics()
	thr := a.cfg.Thresholds

	var issues []string
	if m.AvgLatencyMs > thr.LatencyMs {
		issues = append(issues, fmt.Sprintf("average latency %.0fms above %.0fms", m.AvgLatencyMs, thr.LatencyMs))
	}
	if m.CurrentLoad > thr.Load {
		issues = append(issues, fmt.Sprintf("load %.0f%% above %.0f%%", m.CurrentLoad*100, thr.Load*100))
	}
	if m.OpenBreakers > 0 {
		issues = append(issues, fmt.Sprintf("%d circuit breakers open", m.OpenBreakers))
	}
	return Component{Name: "scheduler", Status: classify(issues), Issues: issues}
}

func (a *Aggregator) checkDelivery() Component {
	m := a.delivery.DeliveryMetrics()
	thr := a.cfg.Thresholds

	var issues []string
	if m.ErrorRate > thr.ErrorRate {
		issues = append(issues, fmt.Sprintf("delivery error rate %.1f%% above %.0f%%", m.ErrorRate*100, thr.ErrorRate*100))
	}
	if m.AvgLatencyMs > thr.LatencyMs {
		issues = append(issues, fmt.Sprintf("delivery latency %.0fms above %.0fms", m.AvgLatencyMs, thr.LatencyMs))
	}
	if m.Backlog > thr.Backlog {
		issues = append(issues, fmt.Sprintf("delivery backlog %d above %d", m.Backlog, thr.Backlog))
	}
	return Component{Name: "delivery", Status: classify(issues), Issues: issues}
}

func (a *Aggregator) checkReporting() Component {
	m := a.reporting.ReportingMetrics()
	thr := a.cfg.Thresholds

	var issues []string
	if m.ErrorRate > thr.ErrorRate {
		issues = append(issues, fmt.Sprintf("reporting error rate %.1f%% above %.0f%%", m.ErrorRate*100, thr.ErrorRate*100))
	}
	if m.PendingRegenerations > thr.PendingRegenerations {
		issues = append(issues, fmt.Sprintf("%d report regenerations pending", m.PendingRegenerations))
	}
	return Component{Name: "reporting", Status: classify(issues), Issues: issues}
}

// classify maps issue counts to a status: 0 healthy, 1-2 degraded, 3+
// critical.
func classify(issues []string) Status {
	switch {
	case len(issues) == 0:
		return StatusHealthy
	case len(issues) <= 2:
		return StatusDegraded
	default:
		return StatusCritical
	}
}

func (a *Aggregator) recommend(components []Component) []string {
	var recs []string
	for _, c := range components {
		if c.Status == StatusHealthy {
			continue
		}
		switch c.Name {
		case "queue":
			recs = append(recs, "reduce enqueue rate or raise processing concurrency; consider widening batch processing")
		case "scheduler":
			recs = append(recs, "check downstream resources behind open breakers; rate limits are being tightened automatically")
		case "delivery":
			recs = append(recs, "delivery backlog growing; verify the downstream endpoint is reachable and responsive")
		case "reporting":
			recs = append(recs, "report regenerations are piling up; schedule a regeneration window or raise its priority")
		}
	}
	return recs
}

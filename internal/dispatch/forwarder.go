package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/Milad-Afdasta/FlowCoord/internal/health"
	"github.com/Milad-Afdasta/FlowCoord/internal/notify"
	"github.com/Milad-Afdasta/FlowCoord/internal/queue"
	"github.com/Milad-Afdasta/FlowCoord/internal/scheduler"
)

// Forwarder pushes processed change events to a downstream endpoint. Every
// delivery goes through the scheduler, so the "delivery" resource gets rate
// limiting and circuit breaking for free; retry policy stays with the queue,
// which owns the items.
//
// An empty URL turns the forwarder into a sink that only counts deliveries,
// useful for local runs without a downstream.
type Forwarder struct {
	sched   *scheduler.Scheduler
	client  *fasthttp.Client
	url     string
	timeout time.Duration

	sent       atomic.Int64
	failed     atomic.Int64
	backlog    atomic.Int64
	emaLatency atomic.Uint64 // float64 bits, milliseconds
}

// NewForwarder creates a forwarder delivering to url.
func NewForwarder(sched *scheduler.Scheduler, url string) *Forwarder {
	return &Forwarder{
		sched: sched,
		url:   url,
		client: &fasthttp.Client{
			ReadTimeout:         5 * time.Second,
			WriteTimeout:        5 * time.Second,
			MaxIdleConnDuration: time.Minute,
		},
		timeout: 5 * time.Second,
	}
}

// Process delivers one item. Registered as an individual queue processor.
func (f *Forwarder) Process(ctx context.Context, item *queue.Item[notify.Event]) error {
	f.backlog.Add(1)
	defer f.backlog.Add(-1)

	return f.sched.Do(ctx, func(context.Context) error {
		return f.deliver(item.Payload)
	}, scheduler.Options{
		Priority:      item.Priority,
		Resource:      "delivery",
		RateLimitRule: "delivery",
		MaxRetries:    -1, // the queue owns retries for items
	})
}

// ProcessBatch delivers a dequeued batch item by item. Registered as a batch
// queue processor.
func (f *Forwarder) ProcessBatch(ctx context.Context, items []*queue.Item[notify.Event]) error {
	for _, item := range items {
		if err := f.Process(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (f *Forwarder) deliver(ev notify.Event) error {
	start := time.Now()

	if f.url == "" {
		f.sent.Add(1)
		log.WithFields(log.Fields{
			"kind":  ev.Kind,
			"table": ev.Table,
		}).Debug("delivery sink: event discarded")
		return nil
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(f.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(encodeEvent(ev))

	err := f.client.DoTimeout(req, resp, f.timeout)
	f.observeLatency(time.Since(start))

	if err != nil {
		f.failed.Add(1)
		return fmt.Errorf("delivery to %s failed: %w", f.url, err)
	}
	if resp.StatusCode() >= 300 {
		f.failed.Add(1)
		return fmt.Errorf("delivery to %s rejected: status %d", f.url, resp.StatusCode())
	}

	f.sent.Add(1)
	return nil
}

// encodeEvent rebuilds the wire form of an event. Record and OldRecord are
// already raw JSON, so this is plain concatenation, no reflection.
func encodeEvent(ev notify.Event) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `{"kind":%q,"table":%q,"timestamp":%d`, ev.Kind, ev.Table, ev.Timestamp.UnixMilli())
	if len(ev.Record) > 0 {
		buf.WriteString(`,"record":`)
		buf.Write(ev.Record)
	}
	if len(ev.OldRecord) > 0 {
		buf.WriteString(`,"old_record":`)
		buf.Write(ev.OldRecord)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func (f *Forwarder) observeLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	for {
		old := f.emaLatency.Load()
		prev := math.Float64frombits(old)
		next := prev + 0.1*(ms-prev)
		if old == 0 {
			next = ms
		}
		if f.emaLatency.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// DeliveryMetrics implements health.DeliverySource.
func (f *Forwarder) DeliveryMetrics() health.DeliveryMetrics {
	sent := f.sent.Load()
	failed := f.failed.Load()

	total := sent + failed
	if total == 0 {
		total = 1
	}

	return health.DeliveryMetrics{
		ErrorRate:    float64(failed) / float64(total),
		AvgLatencyMs: math.Float64frombits(f.emaLatency.Load()),
		Backlog:      int(f.backlog.Load()),
	}
}

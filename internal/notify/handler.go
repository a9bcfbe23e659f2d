package notify

import (
	"errors"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fastjson"

	"github.com/Milad-Afdasta/FlowCoord/internal/queue"
)

// Handler is the HTTP ingest surface: POST /v1/events accepts one JSON
// change event and enqueues it.
type Handler struct {
	enqueue EnqueueFunc
	parsers fastjson.ParserPool

	requestsTotal    atomic.Uint64
	requestsAccepted atomic.Uint64
	requestsRejected atomic.Uint64
}

// NewHandler creates the ingest handler.
func NewHandler(enqueue EnqueueFunc) *Handler {
	return &Handler{enqueue: enqueue}
}

// Handle is the fasthttp request handler.
func (h *Handler) Handle(ctx *fasthttp.RequestCtx) {
	h.requestsTotal.Add(1)

	path := string(ctx.Path())

	if !ctx.IsPost() {
		if path == "/healthz" {
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString("ok")
			return
		}
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}

	if path != "/v1/events" {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)

	ev, pri, maxRetries, err := parseEvent(parser, ctx.PostBody())
	if err != nil {
		h.requestsRejected.Add(1)
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString(fmt.Sprintf(`{"error":%q}`, err.Error()))
		return
	}

	id, err := h.enqueue(ev, pri, maxRetries)
	if err != nil {
		h.requestsRejected.Add(1)
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			ctx.Response.Header.Set("Retry-After", "1")
			ctx.SetBodyString(`{"error":"queue at capacity"}`)
		case errors.Is(err, queue.ErrShuttingDown):
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			ctx.SetBodyString(`{"error":"shutting down"}`)
		default:
			log.Warnf("enqueue failed: %v", err)
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		}
		return
	}

	h.requestsAccepted.Add(1)
	ctx.SetStatusCode(fasthttp.StatusAccepted)
	ctx.SetBodyString(fmt.Sprintf(`{"id":%q}`, id))
}

// Stats returns lifetime request counters.
func (h *Handler) Stats() (total, accepted, rejected uint64) {
	return h.requestsTotal.Load(), h.requestsAccepted.Load(), h.requestsRejected.Load()
}

package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fastjson"

	"github.com/Milad-Afdasta/FlowCoord/internal/queue"
)

// Kind discriminates change-event payload shapes.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

var (
	ErrUnknownKind  = errors.New("unknown event kind")
	ErrMissingTable = errors.New("event is missing a table")
)

// Event is one change notification. The coordination core treats it as an
// opaque payload: only the Kind discriminator and Table routing key are
// inspected here, at the boundary; Record and OldRecord stay raw bytes.
type Event struct {
	Kind      Kind
	Table     string
	Timestamp time.Time
	Record    []byte // raw JSON of the new row, nil for deletes
	OldRecord []byte // raw JSON of the prior row, nil for inserts
}

// EnqueueFunc hands a parsed event to the queue. Implemented by a thin
// closure over the shared priority queue.
type EnqueueFunc func(ev Event, pri queue.Priority, maxRetries int) (string, error)

// parseEvent decodes one change event from JSON. Recognized fields: kind,
// table, timestamp (epoch ms), priority (high|medium|low), max_retries,
// record, old_record. The parser is caller-owned; fastjson parsers are not
// safe for concurrent use.
func parseEvent(p *fastjson.Parser, data []byte) (Event, queue.Priority, int, error) {
	v, err := p.ParseBytes(data)
	if err != nil {
		return Event{}, 0, 0, fmt.Errorf("malformed event: %w", err)
	}

	kind := Kind(v.GetStringBytes("kind"))
	switch kind {
	case KindInsert, KindUpdate, KindDelete:
	default:
		return Event{}, 0, 0, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	table := string(v.GetStringBytes("table"))
	if table == "" {
		return Event{}, 0, 0, ErrMissingTable
	}

	ev := Event{
		Kind:      kind,
		Table:     table,
		Timestamp: time.Now(),
	}
	if ms := v.GetInt64("timestamp"); ms > 0 {
		ev.Timestamp = time.UnixMilli(ms)
	}
	if rec := v.Get("record"); rec != nil {
		ev.Record = rec.MarshalTo(nil)
	}
	if old := v.Get("old_record"); old != nil {
		ev.OldRecord = old.MarshalTo(nil)
	}

	pri := parsePriority(v.GetStringBytes("priority"))

	maxRetries := v.GetInt("max_retries")
	if maxRetries == 0 {
		maxRetries = 3
	}

	return ev, pri, maxRetries, nil
}

func parsePriority(b []byte) queue.Priority {
	switch string(b) {
	case "high":
		return queue.PriorityHigh
	case "low":
		return queue.PriorityLow
	default:
		return queue.PriorityMedium
	}
}

package queue

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Item is one unit of work. The payload is opaque to the queue.
//
// While queued, RetryCount <= MaxRetries holds; a failure that would push
// RetryCount past MaxRetries drops the item and records a permanent failure.
// Items are never persisted and are lost on process restart.
type Item[T any] struct {
	ID         string
	Payload    T
	Priority   Priority
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int

	ProcessingStartedAt *time.Time
	ProcessingEndedAt   *time.Time
	LastErr             error
}

func newItem[T any](payload T, pri Priority, maxRetries int, now time.Time) *Item[T] {
	return &Item[T]{
		ID:         ulid.Make().String(),
		Payload:    payload,
		Priority:   pri,
		EnqueuedAt: now,
		MaxRetries: maxRetries,
	}
}

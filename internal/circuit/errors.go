package circuit

import "errors"

// ErrCircuitOpen is returned to callers while a resource's breaker is open.
// Fast-fail: the caller must re-submit later, no retry happens at this layer.
var ErrCircuitOpen = errors.New("circuit breaker is open")

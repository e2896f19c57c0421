// Package idgen hides the two pieces of process-wide state the design
// notes call out: a monotonic correlation-id source and a monotonic
// client-id source. Both are process-lifetime singletons behind accessor
// functions; there is no teardown because there is nothing to release.
package idgen

import "sync/atomic"

var (
	correlationCounter uint64
	clientCounter       uint64
)

// NextCorrelationID returns the next value from the process-wide
// correlation-id source, starting at 1 (0 is never issued, so a zero
// field unambiguously means "no correlation id").
func NextCorrelationID() uint64 {
	return atomic.AddUint64(&correlationCounter, 1)
}

// NextClientID returns the next value from the process-wide client-id
// source, starting at 1.
func NextClientID() uint64 {
	return atomic.AddUint64(&clientCounter, 1)
}

// Package bus implements the transport substrate that carries every
// bus message family spec.md §6 names (ATTACH_REQUEST, CONSUMER_HELLO,
// FRAME_PROGRESS, ...), framed with wire's outer header. Each published
// frame travels as one websocket message; the bus does no fragmentation
// or reassembly of its own. Grounded on the
// teacher's feeder/ipc.Publisher (a reconnecting, mutex-guarded client
// of one long-lived connection) and feeder/binance.Feeder's
// nhooyr.io/websocket usage, generalized from a Unix-socket JSON line
// protocol to a symmetric, capability-interface pub/sub bus over
// loopback websockets carrying wire's framed binary records.
package bus

import "context"

// Bus is the capability interface every component (driver, supervisor,
// producer/consumer clients) uses to exchange framed messages, per
// spec.md §9 "Dynamic dispatch: replace function-pointer tables ... with
// capability interfaces". It is not safe for concurrent use from
// multiple goroutines on the same instance (spec.md §5): callers that
// need concurrent access open one Bus per goroutine instead of sharing
// one.
type Bus interface {
	// Publish sends one framed message (as produced by a wire.*.Encode
	// call) to every current subscriber of channel.
	Publish(ctx context.Context, channel string, frame []byte) error

	// Subscribe registers interest in channel; received frames are
	// delivered to DoWork's caller via Poll.
	Subscribe(channel string) error

	// Poll returns the next buffered frame for a subscribed channel, if
	// any, without blocking — the "cooperative do_work poll, bounded
	// work per call" contract from spec.md §9.
	Poll() (channel string, frame []byte, ok bool)

	// DoWork drives connection maintenance (accept, read pump,
	// reconnect) for up to one bounded unit of work and returns.
	DoWork(ctx context.Context) error

	// Close releases the underlying connection(s).
	Close() error
}

package bus

import "context"

// Publisher is the Producer-side capability: publish one event per call,
// sequentially within a cycle to preserve per-type, per-kind emission
// order (spec.md §4.5's "added → modified → removed" guarantee only
// holds if publication itself is sequential). Publish blocks until the
// broker acknowledges.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Consumer is the Consumer-side capability: FIFO dequeue with explicit
// offset commit, so a crash between dequeue and commit redelivers
// in-flight events rather than losing them (at-least-once).
type Consumer interface {
	// Fetch blocks until the next event is available or ctx is done.
	Fetch(ctx context.Context) (Event, error)
	// Commit persists that ev (and everything before it) has been
	// durably applied or enqueued into the error queue.
	Commit(ctx context.Context, ev Event) error
	// Seek repositions the consumer to a specific offset. No caller in
	// this repository uses it; initsync.ColdStart does not seek.
	Seek(ctx context.Context, offset int64) error
	Close() error
}

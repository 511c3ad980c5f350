// Package bus defines the event bus abstraction used for streams, pub/sub
// fan-out, and ephemeral key/value state. Two implementations exist: a Redis
// backed bus for deployments and an in-memory bus for tests and single
// process development.
package bus

import (
	"context"
	"time"
)

// Entry is a single stream record.
type Entry struct {
	ID     StreamID
	Values map[string]string
}

// Message is a pub/sub frame.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Messages published after the
// subscription was established are delivered on Channel. Close is idempotent.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// EventBus provides ordered append-only streams, fire-and-forget pub/sub,
// and key/value state with TTLs. It is the single concurrency rendezvous:
// anything two processes must agree on goes through here, not through the
// relational store.
type EventBus interface {
	// Append adds an entry to a stream and returns its assigned id.
	// Ids are strictly monotone within a stream.
	Append(ctx context.Context, stream string, values map[string]string) (StreamID, error)

	// AppendCapped is Append with an approximate maximum stream length.
	// Old entries beyond maxLen may be trimmed.
	AppendCapped(ctx context.Context, stream string, maxLen int64, values map[string]string) (StreamID, error)

	// Range returns up to count entries with ids strictly greater than
	// after, in id order. count <= 0 means no limit. A zero after reads
	// from the beginning.
	Range(ctx context.Context, stream string, after StreamID, count int64) ([]Entry, error)

	// ReadBlocking behaves like Range but, when no entries are available,
	// waits up to block for new ones. A nil slice with nil error means the
	// block window elapsed. This is the only intentionally long-blocking
	// bus primitive.
	ReadBlocking(ctx context.Context, stream string, after StreamID, count int64, block time.Duration) ([]Entry, error)

	// Last returns the newest entry of a stream, or nil if empty.
	Last(ctx context.Context, stream string) (*Entry, error)

	// StreamLen returns the number of entries currently in a stream.
	StreamLen(ctx context.Context, stream string) (int64, error)

	// DeleteStream removes a stream and all its entries.
	DeleteStream(ctx context.Context, stream string) error

	// Publish broadcasts a payload to current subscribers of a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription on a channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Get returns the value for a key. The bool reports presence, so an
	// empty stored value is distinguishable from a missing key.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores a value. A ttl of 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// IncrBy atomically adds delta to a counter, creating it at delta.
	// When the counter is created and ttl > 0, the expiry is set once at
	// creation so daily counters reset on schedule rather than on every
	// bump.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// SetAdd / SetRemove / SetMembers operate on an unordered string set.
	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// ListPush appends to a list; ListPop removes and returns the oldest
	// entry (ok=false when empty); ListLen reports the current length.
	ListPush(ctx context.Context, key, value string) error
	ListPop(ctx context.Context, key string) (string, bool, error)
	ListLen(ctx context.Context, key string) (int64, error)

	// AcquireLock atomically claims a work lock: if member is not in the
	// ledger set (or its lock key has expired), it sets lockKey=value with
	// ttl, adds member to the ledger, and returns acquired=true. Otherwise
	// it returns acquired=false and the current holder value.
	AcquireLock(ctx context.Context, lockKey, ledgerKey, member, value string, ttl time.Duration) (acquired bool, holder string, err error)

	// ReleaseLock deletes the lock key and removes member from the ledger.
	ReleaseLock(ctx context.Context, lockKey, ledgerKey, member string) error

	Close() error
}

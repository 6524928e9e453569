// Package directory defines the cross-process shared store used to make
// station and session identity resolvable cluster-wide: key/value mappings
// with TTLs, sets, an atomic multi-key batch, and channel-based pub/sub.
//
// Two implementations exist: RedisStore for clustered deployments and
// MemStore for single-instance deployments and tests. Callers must treat
// store failures as soft errors: log, return INTERNAL to the initiating
// request, and keep the connection-handling path alive.
package directory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by GetMapping when a key has no value (or the
// value expired).
var ErrNotFound = errors.New("directory: not found")

// BatchOps queues operations that execute together without interleaving from
// other batches. Used so station-mapping replacement is observed as a single
// step by any reader.
type BatchOps interface {
	SetMapping(key, value string, ttl time.Duration)
	DeleteMapping(key string)
	AddToSet(setKey, member string)
	RemoveFromSet(setKey, member string)
}

// Subscription is an independent message stream for one channel, distinct
// from the store's command connection. Messages published before Subscribe
// returns are not delivered (no buffering of history).
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

type Store interface {
	SetMapping(ctx context.Context, key, value string, ttl time.Duration) error
	GetMapping(ctx context.Context, key string) (string, error)
	DeleteMapping(ctx context.Context, key string) error

	AddToSet(ctx context.Context, setKey, member string) error
	RemoveFromSet(ctx context.Context, setKey, member string) error
	MembersOf(ctx context.Context, setKey string) ([]string, error)
	SetLen(ctx context.Context, setKey string) (int64, error)

	// Batch applies every operation queued by fn atomically.
	Batch(ctx context.Context, fn func(b BatchOps)) error

	// Publish fans payload out to all current subscribers of channel,
	// at-least-once, with no cross-publisher ordering guarantee.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Close() error
}

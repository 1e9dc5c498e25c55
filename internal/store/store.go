// Package store is the storage shared by every server process: atomic
// counters, the durable matchmaking list and the pub/sub bus.
package store

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("store: closed")

// Counters are individually atomic; no operation reads and writes in two
// round trips.
type Counters interface {
	Incr(ctx context.Context, key string) (int64, error)
	// DecrFloor decrements key, never below zero.
	DecrFloor(ctx context.Context, key string) (int64, error)
	// Max stores v if it is greater than the current value and returns the
	// resulting value.
	Max(ctx context.Context, key string, v int64) (int64, error)
	// Values returns the counters in key order. Missing keys read as zero.
	Values(ctx context.Context, keys ...string) ([]int64, error)
}

type List interface {
	Push(ctx context.Context, key string, value []byte) error
	// Remove deletes every occurrence of value and reports how many were removed.
	Remove(ctx context.Context, key string, value []byte) (int64, error)
}

type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is active; messages published
	// after that are delivered in publish order, at most once.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

type Store interface {
	Counters
	List
	Bus
	Close() error
}

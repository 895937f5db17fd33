// Package kv is the shared expiring key-value store behind rate-limit
// counters, revocation entries and OTP records. Every operation that guards a
// security invariant is a single atomic call against the backend.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Counter is the outcome of IncrWithin.
type Counter struct {
	Allowed bool
	Count   int64
	// TTL is the time left in the counter's window.
	TTL time.Duration
}

// Store defines the operations the auth core needs from shared state.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent; reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value only if it still equals old.
	// A ttl <= 0 keeps the key's remaining expiry.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// IncrWithin increments the counter at key unless it already reached
	// limit. The first increment opens a window of the given length.
	IncrWithin(ctx context.Context, key string, limit int64, window time.Duration) (Counter, error)
	Ping(ctx context.Context) error
}

// Package revocation keeps revoked token ids until the tokens would have
// expired on their own.
package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/storefront/accounts/internal/kv"
)

// Store is a TTL blacklist of jtis over the shared kv store.
type Store struct {
	kv  kv.Store
	now func() time.Time
}

// New creates a revocation store. now may be nil.
func New(store kv.Store, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{kv: store, now: now}
}

func key(jti string) string {
	return "revoked:" + jti
}

// Put revokes jti until expiresAt. It reports whether this call inserted the
// entry, so concurrent callers can use it to decide a single winner. A token
// that has already expired needs no entry; Put reports true without writing.
func (s *Store) Put(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return true, nil
	}
	inserted, err := s.kv.SetNX(ctx, key(jti), []byte("1"), ttl)
	if err != nil {
		return false, fmt.Errorf("revoke %s: %w", jti, err)
	}
	return inserted, nil
}

// Contains reports whether jti is revoked.
func (s *Store) Contains(ctx context.Context, jti string) (bool, error) {
	ok, err := s.kv.Exists(ctx, key(jti))
	if err != nil {
		return false, fmt.Errorf("revocation lookup: %w", err)
	}
	return ok, nil
}

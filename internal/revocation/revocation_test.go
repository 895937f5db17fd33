package revocation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/accounts/internal/kv"
)

func newStore(t *testing.T) (*Store, func(time.Duration)) {
	t.Helper()
	var mu sync.Mutex
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	mem := kv.NewMemory(kv.WithClock(clock))
	t.Cleanup(func() { _ = mem.Close() })
	return New(mem, clock), func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
}

func TestPutContains_UntilExpiry(t *testing.T) {
	ctx := context.Background()
	s, advance := newStore(t)
	exp := s.now().Add(10 * time.Minute)

	ok, err := s.Contains(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, ok)

	inserted, err := s.Put(ctx, "jti-1", exp)
	require.NoError(t, err)
	assert.True(t, inserted)

	ok, err = s.Contains(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, ok)

	advance(10*time.Minute + time.Second)
	ok, err = s.Contains(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, ok, "entry must not outlive the token")
}

func TestPut_SingleWinner(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	exp := s.now().Add(time.Hour)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.Put(ctx, "race", exp); err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestPut_AlreadyExpiredIsNoop(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	inserted, err := s.Put(ctx, "old", s.now().Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, inserted)

	ok, err := s.Contains(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
}

type failingKV struct{ kv.Store }

var errDown = errors.New("connection refused")

func (failingKV) Exists(context.Context, string) (bool, error) { return false, errDown }
func (failingKV) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errDown
}

func TestStoreErrorsPropagate(t *testing.T) {
	s := New(failingKV{}, nil)

	_, err := s.Contains(context.Background(), "x")
	assert.ErrorIs(t, err, errDown)

	_, err = s.Put(context.Background(), "x", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, errDown)
}

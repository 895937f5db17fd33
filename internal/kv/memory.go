package kv

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Store. It is only correct for a single instance;
// deployments with more than one replica must use Redis.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source, used by tests to move windows forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates a memory store and starts its purge loop.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*memEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanup(time.Minute)

	return m
}

// Close stops the purge loop.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

// cleanup periodically drops expired entries. Reads never depend on it.
func (m *Memory) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			now := m.now()
			for key, e := range m.entries {
				if e.expired(now) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}

// live returns the entry for key, dropping it when expired. Caller holds mu.
func (m *Memory) live(key string, now time.Time) (*memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *Memory) deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key, m.now())
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.entries[key] = &memEntry{value: bytes.Clone(value), expiresAt: m.deadline(now, ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if _, ok := m.live(key, now); ok {
		return false, nil
	}
	m.entries[key] = &memEntry{value: bytes.Clone(value), expiresAt: m.deadline(now, ttl)}
	return true, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.live(key, now)
	if !ok || !bytes.Equal(e.value, old) {
		return false, nil
	}
	e.value = bytes.Clone(value)
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key string, old []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key, m.now())
	if !ok || !bytes.Equal(e.value, old) {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.live(key, m.now())
	return ok, nil
}

func (m *Memory) IncrWithin(_ context.Context, key string, limit int64, window time.Duration) (Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		return Counter{Allowed: false, TTL: window}, nil
	}

	now := m.now()
	e, ok := m.live(key, now)
	if !ok {
		m.entries[key] = &memEntry{value: []byte("1"), expiresAt: now.Add(window)}
		return Counter{Allowed: true, Count: 1, TTL: window}, nil
	}

	count, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return Counter{}, fmt.Errorf("kv: counter %q holds a non-integer value", key)
	}
	ttl := e.expiresAt.Sub(now)
	if count >= limit {
		return Counter{Allowed: false, Count: count, TTL: ttl}, nil
	}

	count++
	e.value = []byte(strconv.FormatInt(count, 10))
	return Counter{Allowed: true, Count: count, TTL: ttl}, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

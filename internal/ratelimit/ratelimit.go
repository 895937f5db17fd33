// Package ratelimit implements fixed-window rate limiting on the shared kv
// store.
//
// Windows are fixed, not sliding: a key gets at most limit hits per window,
// and a burst straddling a window boundary can see up to 2*limit hits in one
// window length. That precision is traded for a single atomic store call per
// check.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/storefront/accounts/internal/kv"
)

// Policy is a limit per window, written as "N/duration" in configuration
// (e.g. "10/1m").
type Policy struct {
	Limit  int
	Window time.Duration
}

// ParsePolicy parses "N/duration".
func ParsePolicy(s string) (Policy, error) {
	n, d, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Policy{}, fmt.Errorf("rate limit %q: expected N/duration", s)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(n))
	if err != nil || limit < 0 {
		return Policy{}, fmt.Errorf("rate limit %q: invalid count", s)
	}
	window, err := time.ParseDuration(strings.TrimSpace(d))
	if err != nil || window <= 0 {
		return Policy{}, fmt.Errorf("rate limit %q: invalid window", s)
	}
	return Policy{Limit: limit, Window: window}, nil
}

func (p Policy) String() string {
	return fmt.Sprintf("%d/%s", p.Limit, p.Window)
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter checks and counts hits per key.
type Limiter struct {
	store  kv.Store
	onDeny func(ctx context.Context, key string, d Decision)
}

// Option configures a Limiter.
type Option func(*Limiter)

// OnDeny registers a callback for denied checks. It is informational; the
// request is denied either way.
func OnDeny(fn func(ctx context.Context, key string, d Decision)) Option {
	return func(l *Limiter) { l.onDeny = fn }
}

// New creates a limiter over store.
func New(store kv.Store, opts ...Option) *Limiter {
	l := &Limiter{store: store}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow atomically counts a hit for key unless the window is already full.
// A denied hit is not counted, so sustained abuse cannot push the counter
// past limit.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	c, err := l.store.IncrWithin(ctx, counterKey(key), int64(limit), window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	if !c.Allowed {
		retry := c.TTL
		if retry <= 0 {
			retry = time.Millisecond
		}
		d := Decision{Allowed: false, RetryAfter: retry}
		if l.onDeny != nil {
			l.onDeny(ctx, key, d)
		}
		return d, nil
	}

	remaining := limit - int(c.Count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

// AllowPolicy is Allow with the limit and window taken from p.
func (l *Limiter) AllowPolicy(ctx context.Context, key string, p Policy) (Decision, error) {
	return l.Allow(ctx, key, p.Limit, p.Window)
}

// Key builds a composite key "action:part1|part2". Empty parts are kept so
// that "ip only" and "ip and phone" keys never collide.
func Key(action string, parts ...string) string {
	return action + ":" + strings.Join(parts, "|")
}

// Action returns the action part of a key built by Key, for logging without
// the client identity.
func Action(key string) string {
	action, _, _ := strings.Cut(key, ":")
	return action
}

func counterKey(key string) string {
	return "rl:" + key
}

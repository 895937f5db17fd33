package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/storefront/accounts/internal/ratelimit"
)

// RateLimitMiddleware puts a coarse ceiling on requests per key across a group
// of routes. The per-action limits inside the auth service still apply.
// Store failures are logged and the request is let through; the service
// reports them on the next store call.
func RateLimitMiddleware(limiter *ratelimit.Limiter, policy ratelimit.Policy, keyFunc func(*http.Request) string, log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		if policy.Limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := limiter.AllowPolicy(r.Context(), ratelimit.Key("http", keyFunc(r)), policy)
			if err != nil {
				log.Warn("request rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				seconds := RetryAfterSeconds(d.RetryAfter.Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error":       "rate_limited",
					"message":     "rate limit exceeded",
					"retry_after": seconds,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RetryAfterSeconds rounds a wait up to whole seconds, never below one.
func RetryAfterSeconds(seconds float64) int {
	s := int(math.Ceil(seconds))
	if s < 1 {
		return 1
	}
	return s
}

// ClientIP returns the caller address without its port. Forwarding headers
// only count when the router runs chi's RealIP ahead of this.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GetIPKey keys rate limits by client address.
func GetIPKey(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

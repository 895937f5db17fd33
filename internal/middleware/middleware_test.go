package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/storefront/accounts/internal/auth"
	"github.com/storefront/accounts/internal/kv"
	"github.com/storefront/accounts/internal/model"
	"github.com/storefront/accounts/internal/ratelimit"
)

type stubAuthenticator struct {
	token   string
	account *model.Account
	err     error
}

func (s stubAuthenticator) Authenticate(_ context.Context, token string) (*auth.Claims, *model.Account, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	if token != s.token {
		return nil, nil, auth.ErrInvalidToken
	}
	return &auth.Claims{TokenType: "access"}, s.account, nil
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAuthMiddleware(t *testing.T) {
	account := &model.Account{ID: uuid.New(), Phone: "923001234567", Role: model.RoleCustomer}
	authn := stubAuthenticator{token: "good-token", account: account}

	var seen *model.Account
	var seenToken string
	handler := AuthMiddleware(authn, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetAccount(r.Context())
		seenToken, _ = GetAccessToken(r.Context())
		_, ok := GetClaims(r.Context())
		assert.True(t, ok)
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good-token", http.StatusUnauthorized},
		{"empty token", "Bearer   ", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"good token", "Bearer good-token", http.StatusNoContent},
		{"lowercase scheme", "bearer good-token", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/accounts/profile", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusUnauthorized {
				assert.Equal(t, "invalid_token", decodeError(t, rec)["error"])
			}
		})
	}

	require.NotNil(t, seen)
	assert.Equal(t, account.ID, seen.ID)
	assert.Equal(t, "good-token", seenToken)
}

func TestAuthMiddleware_StoreOutageIs503(t *testing.T) {
	authn := stubAuthenticator{err: fmt.Errorf("check access revocation: %w", auth.ErrStoreUnavailable)}
	handler := AuthMiddleware(authn, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/accounts/profile", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store_unavailable", decodeError(t, rec)["error"])
}

func TestRateLimitMiddleware(t *testing.T) {
	store := kv.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	policy := ratelimit.Policy{Limit: 2, Window: time.Minute}
	handler := RateLimitMiddleware(ratelimit.New(store), policy, GetIPKey, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
	)

	do := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/accounts/login", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("203.0.113.7:5000").Code)
	assert.Equal(t, http.StatusOK, do("203.0.113.7:5001").Code, "port does not matter")

	rec := do("203.0.113.7:5002")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	body := decodeError(t, rec)
	assert.Equal(t, "rate_limited", body["error"])
	assert.Greater(t, body["retry_after"].(float64), 0.0)

	assert.Equal(t, http.StatusOK, do("198.51.100.20:5000").Code)
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	store := kv.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := RateLimitMiddleware(ratelimit.New(store), ratelimit.Policy{}, GetIPKey, nil)(next)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, RetryAfterSeconds(0))
	assert.Equal(t, 1, RetryAfterSeconds(0.001))
	assert.Equal(t, 2, RetryAfterSeconds(1.2))
	assert.Equal(t, 60, RetryAfterSeconds(60))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:41234"
	assert.Equal(t, "203.0.113.7", ClientIP(req))

	req.RemoteAddr = "203.0.113.7"
	assert.Equal(t, "203.0.113.7", ClientIP(req))

	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(req))
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := chimw.RequestID(RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/accounts/register", nil))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "/accounts/register", fields["path"])
	assert.Equal(t, int64(http.StatusConflict), fields["status"])
	assert.NotEmpty(t, fields["request_id"])
}

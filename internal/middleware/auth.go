package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/storefront/accounts/internal/auth"
	"github.com/storefront/accounts/internal/model"
)

type contextKey string

const (
	accountKey     contextKey = "account"
	claimsKey      contextKey = "claims"
	accessTokenKey contextKey = "access_token"
)

// Authenticator resolves a bearer token to its account.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*auth.Claims, *model.Account, error)
}

// AuthMiddleware validates the bearer access token, loads the account and
// attaches both to the request context.
func AuthMiddleware(authn Authenticator, log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := BearerToken(r)
			if !ok {
				respondWithError(w, http.StatusUnauthorized, "invalid_token", "missing or malformed authorization header")
				return
			}

			claims, account, err := authn.Authenticate(r.Context(), tokenString)
			if errors.Is(err, auth.ErrStoreUnavailable) {
				log.Error("authenticate request", zap.Error(err))
				respondWithError(w, http.StatusServiceUnavailable, "store_unavailable", "service temporarily unavailable")
				return
			}
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid_token", "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), accountKey, account)
			ctx = context.WithValue(ctx, claimsKey, claims)
			ctx = context.WithValue(ctx, accessTokenKey, tokenString)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	tokenString := strings.TrimSpace(parts[1])
	if tokenString == "" {
		return "", false
	}
	return tokenString, true
}

// GetAccount returns the account attached by AuthMiddleware.
func GetAccount(ctx context.Context) (*model.Account, bool) {
	a, ok := ctx.Value(accountKey).(*model.Account)
	return a, ok && a != nil
}

// GetClaims returns the access token claims attached by AuthMiddleware.
func GetClaims(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.Claims)
	return c, ok && c != nil
}

// GetAccessToken returns the raw access token attached by AuthMiddleware.
func GetAccessToken(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(accessTokenKey).(string)
	return t, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": code, "message": message}
	_ = json.NewEncoder(w).Encode(response)
}

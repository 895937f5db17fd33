package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicateAccount   = errors.New("account already exists")
	ErrRateLimited        = errors.New("rate limit exceeded")

	ErrOTPNotFound = errors.New("no active otp")
	ErrOTPExpired  = errors.New("otp expired")
	ErrOTPMismatch = errors.New("otp does not match")
	ErrOTPLocked   = errors.New("too many otp attempts")

	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrResetNotReady = errors.New("password reset requires a verified otp")

	// ErrStoreUnavailable wraps failures of the shared store or the database.
	// It is never folded into a security verdict such as ErrInvalidToken.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError carries per-field messages. It matches ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func fieldError(field, msg string) error {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// RateLimitError reports a denied action and how long to wait. It matches
// ErrRateLimited.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Action, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// ErrorCode maps an error to its stable external code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrDuplicateAccount):
		return "duplicate_account"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrOTPNotFound):
		return "otp_not_found"
	case errors.Is(err, ErrOTPExpired):
		return "otp_expired"
	case errors.Is(err, ErrOTPMismatch):
		return "otp_mismatch"
	case errors.Is(err, ErrOTPLocked):
		return "otp_locked"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrResetNotReady):
		return "reset_not_ready"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal_error"
	}
}

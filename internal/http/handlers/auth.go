package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/accounts/internal/auth"
	"github.com/storefront/accounts/internal/logger"
	"github.com/storefront/accounts/internal/middleware"
	"github.com/storefront/accounts/internal/model"
)

const maxBodyBytes = 1 << 20

// AuthHandler handles the account endpoints
type AuthHandler struct {
	svc *auth.Service
	log *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(svc *auth.Service, log *zap.Logger) *AuthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandler{svc: svc, log: log}
}

// accountResponse is the account object in API responses
type accountResponse struct {
	ID          string     `json:"id"`
	Phone       string     `json:"phone"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	DateOfBirth string     `json:"date_of_birth,omitempty"`
	Role        model.Role `json:"user_type"`
	CreatedAt   time.Time  `json:"created_at"`
}

func newAccountResponse(a *model.Account) accountResponse {
	resp := accountResponse{
		ID:        a.ID.String(),
		Phone:     a.Phone,
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Role:      a.Role,
		CreatedAt: a.CreatedAt,
	}
	if a.DateOfBirth != nil {
		resp.DateOfBirth = a.DateOfBirth.Format("2006-01-02")
	}
	return resp
}

// tokenResponse is the JSON body carrying a token pair
type tokenResponse struct {
	AccessToken      string           `json:"access_token"`
	RefreshToken     string           `json:"refresh_token"`
	TokenType        string           `json:"token_type"`
	AccessExpiresAt  time.Time        `json:"access_expires_at"`
	RefreshExpiresAt time.Time        `json:"refresh_expires_at"`
	Account          *accountResponse `json:"account,omitempty"`
}

func newTokenResponse(pair *auth.TokenPair, a *model.Account) tokenResponse {
	resp := tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "bearer",
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
	if a != nil {
		ar := newAccountResponse(a)
		resp.Account = &ar
	}
	return resp
}

type messageResponse struct {
	Message string `json:"message"`
}

// HandleRegister handles POST /accounts/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterInput
	if !decodeBody(w, r, &req) {
		return
	}

	account, pair, err := h.svc.Register(r.Context(), req, middleware.ClientIP(r))
	if err != nil {
		h.respondWithServiceError(w, r, err, req.Phone)
		return
	}
	respondWithJSON(w, http.StatusCreated, newTokenResponse(pair, account))
}

type loginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

// HandleLogin handles POST /accounts/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	account, pair, err := h.svc.Login(r.Context(), req.Phone, req.Password, middleware.ClientIP(r))
	if err != nil {
		h.respondWithServiceError(w, r, err, req.Phone)
		return
	}
	respondWithJSON(w, http.StatusOK, newTokenResponse(pair, account))
}

// refreshRequest is the request body for refresh and logout
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// HandleRefresh handles POST /accounts/token/refresh
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}

	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken, middleware.ClientIP(r))
	if err != nil {
		h.respondWithServiceError(w, r, err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, newTokenResponse(pair, nil))
}

// HandleLogout handles POST /accounts/logout. The bearer access token is
// optional; when present it is revoked along with the refresh token.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}

	accessToken, _ := middleware.BearerToken(r)
	if err := h.svc.Logout(r.Context(), accessToken, req.RefreshToken); err != nil {
		h.respondWithServiceError(w, r, err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

type phoneRequest struct {
	Phone string `json:"phone"`
}

// HandleForgotPassword handles POST /accounts/forgot-password
func (h *AuthHandler) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.svc.ForgotPassword(r.Context(), req.Phone, middleware.ClientIP(r)); err != nil {
		h.respondWithServiceError(w, r, err, req.Phone)
		return
	}
	respondWithJSON(w, http.StatusOK, messageResponse{Message: "if the phone is registered, a code has been sent"})
}

// HandleResendOTP handles POST /accounts/resend-otp
func (h *AuthHandler) HandleResendOTP(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.svc.ResendOTP(r.Context(), req.Phone, middleware.ClientIP(r)); err != nil {
		h.respondWithServiceError(w, r, err, req.Phone)
		return
	}
	respondWithJSON(w, http.StatusOK, messageResponse{Message: "if the phone is registered, a new code has been sent"})
}

type verifyOTPRequest struct {
	Phone string `json:"phone"`
	OTP   string `json:"otp"`
}

// HandleVerifyOTP handles POST /accounts/verify-otp
func (h *AuthHandler) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.svc.VerifyOTP(r.Context(), req.Phone, req.OTP, middleware.ClientIP(r)); err != nil {
		h.respondWithServiceError(w, r, err, req.Phone)
		return
	}
	respondWithJSON(w, http.StatusOK, messageResponse{Message: "otp verified"})
}

// HandleResetPassword handles POST /accounts/reset-password
func (h *AuthHandler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req auth.ResetInput
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.svc.ResetPassword(r.Context(), req, middleware.ClientIP(r)); err != nil {
		h.respondWithServiceError(w, r, err, req.Phone)
		return
	}
	respondWithJSON(w, http.StatusOK, messageResponse{Message: "password has been reset"})
}

// HandleProfile handles GET /accounts/profile (protected)
func (h *AuthHandler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.GetAccount(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "invalid_token", "unauthorized")
		return
	}
	respondWithJSON(w, http.StatusOK, newAccountResponse(account))
}

type errorResponse struct {
	Error      string            `json:"error"`
	Message    string            `json:"message"`
	Fields     map[string]string `json:"fields,omitempty"`
	RetryAfter int               `json:"retry_after,omitempty"`
}

var errorMessages = map[string]string{
	"validation_error":    "request validation failed",
	"invalid_credentials": "invalid phone or password",
	"duplicate_account":   "an account with this phone already exists",
	"rate_limited":        "rate limit exceeded",
	"otp_not_found":       "no active code for this phone",
	"otp_expired":         "code has expired",
	"otp_mismatch":        "code does not match",
	"otp_locked":          "too many attempts, request a new code",
	"invalid_token":       "invalid or expired token",
	"reset_not_ready":     "verify a code before resetting the password",
	"store_unavailable":   "service temporarily unavailable",
	"internal_error":      "internal server error",
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrDuplicateAccount):
		return http.StatusConflict
	case errors.Is(err, auth.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, auth.ErrOTPLocked):
		return http.StatusLocked
	case errors.Is(err, auth.ErrOTPNotFound), errors.Is(err, auth.ErrOTPExpired),
		errors.Is(err, auth.ErrOTPMismatch), errors.Is(err, auth.ErrResetNotReady):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *AuthHandler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error, phone string) {
	code := auth.ErrorCode(err)
	status := StatusFor(err)
	resp := errorResponse{Error: code, Message: errorMessages[code]}

	var verr *auth.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	var rl *auth.RateLimitError
	if errors.As(err, &rl) {
		resp.RetryAfter = middleware.RetryAfterSeconds(rl.RetryAfter.Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
	}

	if status >= http.StatusInternalServerError {
		fields := []zap.Field{zap.String("path", r.URL.Path), zap.Error(err)}
		if phone != "" {
			fields = append(fields, logger.Phone(phone))
		}
		h.log.Error("request failed", fields...)
	}

	respondWithJSON(w, status, resp)
}

// decodeBody reads a JSON request body into dst and answers 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return false
	}
	return true
}

func respondWithJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	respondWithJSON(w, statusCode, errorResponse{Error: code, Message: message})
}

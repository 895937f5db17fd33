package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/storefront/accounts/internal/logger"
	"github.com/storefront/accounts/internal/model"
	"github.com/storefront/accounts/internal/notify"
	"github.com/storefront/accounts/internal/ratelimit"
	"github.com/storefront/accounts/internal/repo"
	"github.com/storefront/accounts/internal/telemetry"
)

// Rate-limited actions. Resend shares the forgot-password budget.
const (
	ActionRegister       = "register"
	ActionLogin          = "login"
	ActionRefresh        = "refresh"
	ActionForgotPassword = "forgot_password"
	ActionVerifyOTP      = "verify_otp"
	ActionResetPassword  = "reset_password"
)

// Policies holds the per-action rate limits.
type Policies struct {
	Register       ratelimit.Policy
	Login          ratelimit.Policy
	Refresh        ratelimit.Policy
	ForgotPassword ratelimit.Policy
	VerifyOTP      ratelimit.Policy
	ResetPassword  ratelimit.Policy
}

// DefaultPolicies returns the production limits.
func DefaultPolicies() Policies {
	return Policies{
		Register:       ratelimit.Policy{Limit: 5, Window: time.Minute},
		Login:          ratelimit.Policy{Limit: 10, Window: time.Minute},
		Refresh:        ratelimit.Policy{Limit: 20, Window: time.Minute},
		ForgotPassword: ratelimit.Policy{Limit: 3, Window: time.Minute},
		VerifyOTP:      ratelimit.Policy{Limit: 10, Window: time.Minute},
		ResetPassword:  ratelimit.Policy{Limit: 5, Window: time.Minute},
	}
}

// Deps are the collaborators of the Service.
type Deps struct {
	Accounts      repo.AccountRepo
	Tokens        *TokenService
	OTPs          *OTPManager
	Limiter       *ratelimit.Limiter
	Hasher        *Hasher
	Notifier      notify.Notifier
	Policies      Policies
	NotifyTimeout time.Duration
	Log           *zap.Logger
	Metrics       *telemetry.Provider
}

// Service orchestrates authentication operations
type Service struct {
	accounts      repo.AccountRepo
	tokens        *TokenService
	otps          *OTPManager
	limiter       *ratelimit.Limiter
	hasher        *Hasher
	notifier      notify.Notifier
	policies      Policies
	notifyTimeout time.Duration
	validate      *validator.Validate
	log           *zap.Logger
	metrics       *telemetry.Provider

	deliveries sync.WaitGroup
}

// NewService creates the auth orchestrator.
func NewService(d Deps) *Service {
	s := &Service{
		accounts:      d.Accounts,
		tokens:        d.Tokens,
		otps:          d.OTPs,
		limiter:       d.Limiter,
		hasher:        d.Hasher,
		notifier:      d.Notifier,
		policies:      d.Policies,
		notifyTimeout: d.NotifyTimeout,
		validate:      newValidator(),
		log:           d.Log,
		metrics:       d.Metrics,
	}
	if s.notifyTimeout <= 0 {
		s.notifyTimeout = 3 * time.Second
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(s.log)
	}
	return s
}

func (s *Service) allow(ctx context.Context, action string, p ratelimit.Policy, parts ...string) error {
	d, err := s.limiter.AllowPolicy(ctx, ratelimit.Key(action, parts...), p)
	if err != nil {
		return unavailable("rate limit", err)
	}
	if !d.Allowed {
		s.metrics.RecordRateLimit(ctx, action)
		return &RateLimitError{Action: action, RetryAfter: d.RetryAfter}
	}
	return nil
}

func (s *Service) record(ctx context.Context, op string, err error) {
	s.metrics.RecordOperation(ctx, op, ErrorCode(err))
}

// Register creates a customer or seller account and logs it in.
func (s *Service) Register(ctx context.Context, in RegisterInput, ip string) (acc *model.Account, pair *TokenPair, err error) {
	defer func() { s.record(ctx, "register", err) }()

	in.Phone = normalizePhone(in.Phone)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)

	if err := s.allow(ctx, ActionRegister, s.policies.Register, ip, in.Phone); err != nil {
		return nil, nil, err
	}
	if err := validateStruct(s.validate, in); err != nil {
		return nil, nil, err
	}
	dob, err := parseDate(in.DateOfBirth)
	if err != nil {
		return nil, nil, err
	}
	role := model.RoleCustomer
	if in.Role != "" {
		role = model.Role(in.Role)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, nil, err
	}

	account, err := s.accounts.Create(ctx, model.NewAccount{
		Phone:        in.Phone,
		PasswordHash: hash,
		Role:         role,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		DateOfBirth:  dob,
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return nil, nil, ErrDuplicateAccount
	}
	if err != nil {
		return nil, nil, unavailable("create account", err)
	}

	pair, err = s.tokens.IssuePair(ctx, account)
	if err != nil {
		return nil, nil, err
	}

	s.log.Info("account registered",
		zap.String("account_id", account.ID.String()),
		logger.Phone(account.Phone),
		zap.String("role", string(account.Role)),
	)
	return &account, pair, nil
}

// Login checks phone and password and issues a token pair. Unknown phones,
// wrong passwords and inactive accounts are indistinguishable.
func (s *Service) Login(ctx context.Context, phone, password, ip string) (acc *model.Account, pair *TokenPair, err error) {
	defer func() { s.record(ctx, "login", err) }()

	phone = normalizePhone(phone)
	if err := s.allow(ctx, ActionLogin, s.policies.Login, ip, phone); err != nil {
		return nil, nil, err
	}
	if phone == "" || password == "" {
		return nil, nil, &ValidationError{Fields: map[string]string{"phone": "phone and password are required"}}
	}

	account, err := s.accounts.GetByPhone(ctx, phone)
	if errors.Is(err, repo.ErrNotFound) {
		s.hasher.CheckDummy(password)
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, unavailable("load account", err)
	}

	if !s.hasher.Check(account.PasswordHash, password) || !account.Active {
		s.log.Info("login failed", logger.Phone(phone))
		return nil, nil, ErrInvalidCredentials
	}

	pair, err = s.tokens.IssuePair(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	return &account, pair, nil
}

// Refresh rotates a refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip string) (pair *TokenPair, err error) {
	defer func() { s.record(ctx, "refresh", err) }()

	if err := s.allow(ctx, ActionRefresh, s.policies.Refresh, ip); err != nil {
		return nil, err
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, fieldError("refresh_token", "this field is required")
	}
	return s.tokens.Rotate(ctx, refreshToken)
}

// Logout revokes the refresh session and, when given, the access token.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) (err error) {
	defer func() { s.record(ctx, "logout", err) }()

	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return fieldError("refresh_token", "this field is required")
	}
	return s.tokens.Revoke(ctx, refreshToken, strings.TrimSpace(accessToken))
}

// ForgotPassword starts a reset by sending a code to the account's phone.
// It answers the same way whether or not the phone belongs to an account.
func (s *Service) ForgotPassword(ctx context.Context, phone, ip string) (err error) {
	defer func() { s.record(ctx, "forgot_password", err) }()
	return s.sendResetCode(ctx, phone, ip)
}

// ResendOTP issues a fresh code, superseding the previous one. It draws from
// the forgot-password budget.
func (s *Service) ResendOTP(ctx context.Context, phone, ip string) (err error) {
	defer func() { s.record(ctx, "resend_otp", err) }()
	return s.sendResetCode(ctx, phone, ip)
}

func (s *Service) sendResetCode(ctx context.Context, phone, ip string) error {
	phone = normalizePhone(phone)
	if err := s.allow(ctx, ActionForgotPassword, s.policies.ForgotPassword, ip, phone); err != nil {
		return err
	}
	if err := validatePhone(phone); err != nil {
		return err
	}

	account, err := s.accounts.GetByPhone(ctx, phone)
	if errors.Is(err, repo.ErrNotFound) {
		s.log.Info("reset requested for unknown phone", logger.Phone(phone))
		return nil
	}
	if err != nil {
		return unavailable("load account", err)
	}
	if !account.Active {
		s.log.Info("reset requested for inactive account", logger.Phone(phone))
		return nil
	}

	code, err := s.otps.Issue(ctx, phone)
	if err != nil {
		return err
	}
	s.metrics.RecordOTP(ctx, "issued")

	// Delivery runs off the request path; known and unknown phones answer alike.
	s.deliveries.Add(1)
	go s.deliver(context.WithoutCancel(ctx), phone, code)
	return nil
}

// deliver hands a code to the notifier. A failure leaves the code valid; the
// user can ask for a resend.
func (s *Service) deliver(ctx context.Context, phone, code string) {
	defer s.deliveries.Done()

	ctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()
	if err := s.notifier.SendOTP(ctx, phone, code); err != nil {
		s.metrics.RecordOTP(ctx, "delivery_failed")
		s.log.Warn("otp delivery failed", logger.Phone(phone), zap.Error(err))
	}
}

// Drain waits for in-flight code deliveries to finish or for ctx to end.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.deliveries.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// VerifyOTP checks a reset code. Success unlocks exactly one ResetPassword.
func (s *Service) VerifyOTP(ctx context.Context, phone, code, ip string) (err error) {
	defer func() { s.record(ctx, "verify_otp", err) }()

	phone = normalizePhone(phone)
	code = strings.TrimSpace(code)
	if err := s.allow(ctx, ActionVerifyOTP, s.policies.VerifyOTP, ip, phone); err != nil {
		return err
	}
	if err := validatePhone(phone); err != nil {
		return err
	}
	if err := validateOTPFormat(code); err != nil {
		return err
	}

	err = s.otps.Verify(ctx, phone, code)
	switch {
	case err == nil:
		s.metrics.RecordOTP(ctx, "verified")
	case errors.Is(err, ErrOTPMismatch):
		s.metrics.RecordOTP(ctx, "mismatch")
	case errors.Is(err, ErrOTPLocked):
		s.metrics.RecordOTP(ctx, "locked")
		s.log.Warn("otp locked", logger.Phone(phone))
	case errors.Is(err, ErrOTPExpired):
		s.metrics.RecordOTP(ctx, "expired")
	}
	return err
}

// ResetPassword sets a new password after a verified code and ends every
// existing session of the account.
func (s *Service) ResetPassword(ctx context.Context, in ResetInput, ip string) (err error) {
	defer func() { s.record(ctx, "reset_password", err) }()

	in.Phone = normalizePhone(in.Phone)
	if err := s.allow(ctx, ActionResetPassword, s.policies.ResetPassword, ip, in.Phone); err != nil {
		return err
	}
	if err := validateStruct(s.validate, in); err != nil {
		return err
	}

	account, err := s.accounts.GetByPhone(ctx, in.Phone)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrResetNotReady
	}
	if err != nil {
		return unavailable("load account", err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return err
	}

	if err := s.otps.ApplyReset(ctx, in.Phone); err != nil {
		return err
	}

	if err := s.accounts.SetPasswordHash(ctx, account.ID, hash); err != nil {
		if rerr := s.otps.ReleaseReset(ctx, in.Phone); rerr != nil {
			s.log.Error("release reset after failed update", logger.Phone(in.Phone), zap.Error(rerr))
		}
		return unavailable("update password", err)
	}

	n, err := s.tokens.RevokeAllForAccount(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("password changed but sessions not revoked: %w", err)
	}
	s.metrics.RecordRevocation(ctx, "reset", n)

	s.log.Info("password reset",
		zap.String("account_id", account.ID.String()),
		zap.Int("sessions_revoked", n),
	)
	return nil
}

// ResetState reports where phone stands in the reset flow.
func (s *Service) ResetState(ctx context.Context, phone string) (ResetState, error) {
	return s.otps.State(ctx, normalizePhone(phone))
}

// Authenticate resolves an access token to its active account.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*Claims, *model.Account, error) {
	claims, err := s.tokens.VerifyAccess(ctx, accessToken)
	if err != nil {
		return nil, nil, err
	}

	id, err := claims.AccountID()
	if err != nil {
		return nil, nil, ErrInvalidToken
	}
	account, err := s.accounts.GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil, ErrInvalidToken
	}
	if err != nil {
		return nil, nil, unavailable("load account", err)
	}
	if !account.Active {
		return nil, nil, ErrInvalidToken
	}
	return claims, &account, nil
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/storefront/accounts/internal/model"
	"github.com/storefront/accounts/internal/ratelimit"
)

func registerTestAccount(t *testing.T, h *harness) (*model.Account, *TokenPair) {
	t.Helper()
	acc, pair, err := h.svc.Register(context.Background(), validRegistration(), testIP)
	require.NoError(t, err)
	return acc, pair
}

func TestRegisterThenLogin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	acc, pair := registerTestAccount(t, h)
	assert.Equal(t, testPhone, acc.Phone)
	assert.Equal(t, model.RoleCustomer, acc.Role)
	assert.NotEqual(t, testPassword, acc.PasswordHash)
	assert.NotEmpty(t, pair.AccessToken)

	got, loginPair, err := h.svc.Login(ctx, testPhone, testPassword, testIP)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)
	assert.NotEmpty(t, loginPair.RefreshToken)

	_, _, err = h.svc.Login(ctx, testPhone, "wrong-password", testIP)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegister_SellerWithBirthDate(t *testing.T) {
	h := newHarness(t)

	in := validRegistration()
	in.Role = "seller"
	in.DateOfBirth = "1994-02-11"
	acc, _, err := h.svc.Register(context.Background(), in, testIP)
	require.NoError(t, err)
	assert.Equal(t, model.RoleSeller, acc.Role)
	require.NotNil(t, acc.DateOfBirth)
	assert.Equal(t, time.Date(1994, 2, 11, 0, 0, 0, 0, time.UTC), *acc.DateOfBirth)
}

func TestRegister_Validation(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(*RegisterInput)
		field string
	}{
		{"bad phone", func(in *RegisterInput) { in.Phone = "03001234567" }, "phone"},
		{"short password", func(in *RegisterInput) { in.Password, in.Password2 = "short", "short" }, "password"},
		{"passwords differ", func(in *RegisterInput) { in.Password2 = "something-else" }, "password2"},
		{"digits in name", func(in *RegisterInput) { in.FirstName = "Ay3sha" }, "first_name"},
		{"missing last name", func(in *RegisterInput) { in.LastName = "" }, "last_name"},
		{"bad birth date", func(in *RegisterInput) { in.DateOfBirth = "11/02/1994" }, "date_of_birth"},
		{"admin self-registration", func(in *RegisterInput) { in.Role = "admin" }, "user_type"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			in := validRegistration()
			tc.edit(&in)

			_, _, err := h.svc.Register(context.Background(), in, testIP)
			require.ErrorIs(t, err, ErrValidation)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Fields, tc.field)
		})
	}
}

func TestRegister_Duplicate(t *testing.T) {
	h := newHarness(t)
	registerTestAccount(t, h)

	_, _, err := h.svc.Register(context.Background(), validRegistration(), testIP)
	assert.ErrorIs(t, err, ErrDuplicateAccount)
	assert.Equal(t, "duplicate_account", ErrorCode(err))
}

func TestLogin_UnknownPhoneLooksLikeWrongPassword(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.svc.Login(context.Background(), "923009999999", testPassword, testIP)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_InactiveAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	acc, pair := registerTestAccount(t, h)

	h.accounts.SetActive(acc.ID, false)

	_, _, err := h.svc.Login(ctx, testPhone, testPassword, testIP)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = h.svc.Authenticate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_OneShot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, pair := registerTestAccount(t, h)

	next, err := h.svc.Refresh(ctx, pair.RefreshToken, testIP)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, next.AccessToken)

	_, err = h.svc.Refresh(ctx, pair.RefreshToken, testIP)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = h.svc.Refresh(ctx, "  ", testIP)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLogout_InvalidatesAccessToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	acc, pair := registerTestAccount(t, h)

	claims, got, err := h.svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)
	assert.Equal(t, acc.ID.String(), claims.Subject)

	require.NoError(t, h.svc.Logout(ctx, pair.AccessToken, pair.RefreshToken))

	_, err = h.tokens.VerifyAccess(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, _, err = h.svc.Authenticate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = h.svc.Refresh(ctx, pair.RefreshToken, testIP)
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.ErrorIs(t, h.svc.Logout(ctx, "", pair.RefreshToken), ErrInvalidToken)
	assert.ErrorIs(t, h.svc.Logout(ctx, "", ""), ErrValidation)
}

func TestForgotPassword_DoesNotRevealAccounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	registerTestAccount(t, h)

	require.NoError(t, h.svc.ForgotPassword(ctx, "923009999999", testIP))
	assert.Equal(t, 0, h.notifier.sendCount(), "nothing is sent for unknown phones")

	require.NoError(t, h.svc.ForgotPassword(ctx, testPhone, testIP))
	assert.Equal(t, 1, h.notifier.sendCount())
	assert.Len(t, h.notifier.code(testPhone), 6)

	state, err := h.svc.ResetState(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, StateOTPSent, state)

	assert.ErrorIs(t, h.svc.ForgotPassword(ctx, "not-a-phone", testIP), ErrValidation)
}

func TestForgotPassword_DeliveryFailureKeepsCode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	registerTestAccount(t, h)
	h.notifier.fail = true

	require.NoError(t, h.svc.ForgotPassword(ctx, testPhone, testIP))
	assert.Equal(t, 1, h.notifier.sendCount())
	assert.Empty(t, h.notifier.code(testPhone))

	state, err := h.svc.ResetState(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, StateOTPSent, state)
}

// blockingNotifier holds every send until released.
type blockingNotifier struct {
	started chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func newBlockingNotifier() *blockingNotifier {
	return &blockingNotifier{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
}

func (n *blockingNotifier) SendOTP(ctx context.Context, _, _ string) error {
	n.started <- struct{}{}
	<-n.release
	n.ctxErr <- ctx.Err()
	return nil
}

func TestForgotPassword_DoesNotWaitForDelivery(t *testing.T) {
	h := newHarness(t)
	registerTestAccount(t, h)

	hasher, err := NewHasher(bcrypt.MinCost)
	require.NoError(t, err)
	notifier := newBlockingNotifier()
	svc := NewService(Deps{
		Accounts:      h.accounts,
		Tokens:        h.tokens,
		OTPs:          h.otps,
		Limiter:       ratelimit.New(h.store),
		Hasher:        hasher,
		Notifier:      notifier,
		Policies:      relaxedPolicies(),
		NotifyTimeout: time.Minute,
	})

	reqCtx, cancelReq := context.WithCancel(context.Background())
	returned := make(chan error, 1)
	go func() { returned <- svc.ForgotPassword(reqCtx, testPhone, testIP) }()

	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		close(notifier.release)
		t.Fatal("ForgotPassword blocked on delivery")
	}
	cancelReq()

	select {
	case <-notifier.started:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never started")
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Drain(short), context.DeadlineExceeded, "delivery still in flight")

	close(notifier.release)
	require.NoError(t, svc.Drain(context.Background()))
	assert.NoError(t, <-notifier.ctxErr, "delivery outlives the request context")
}

func TestVerifyOTP_SecondUseNotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	registerTestAccount(t, h)

	require.NoError(t, h.svc.ForgotPassword(ctx, testPhone, testIP))
	code := h.notifier.code(testPhone)

	require.NoError(t, h.svc.VerifyOTP(ctx, testPhone, code, testIP))
	assert.ErrorIs(t, h.svc.VerifyOTP(ctx, testPhone, code, testIP), ErrOTPNotFound)

	state, err := h.svc.ResetState(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, StateOTPVerified, state)
}

func TestVerifyOTP_Expired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	registerTestAccount(t, h)

	require.NoError(t, h.svc.ForgotPassword(ctx, testPhone, testIP))
	code := h.notifier.code(testPhone)

	h.clock.Advance(5*time.Minute + time.Second)
	assert.ErrorIs(t, h.svc.VerifyOTP(ctx, testPhone, code, testIP), ErrOTPExpired)
	assert.ErrorIs(t, h.svc.VerifyOTP(ctx, testPhone, code, testIP), ErrOTPNotFound)
}

func TestVerifyOTP_Format(t *testing.T) {
	h := newHarness(t)

	err := h.svc.VerifyOTP(context.Background(), testPhone, "12ab56", testIP)
	require.ErrorIs(t, err, ErrValidation)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "otp")
}

func TestResetPassword_RequiresVerifiedCode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	registerTestAccount(t, h)

	in := ResetInput{Phone: testPhone, Password: "brand-new-pass", Password2: "brand-new-pass"}
	assert.ErrorIs(t, h.svc.ResetPassword(ctx, in, testIP), ErrResetNotReady)

	require.NoError(t, h.svc.ForgotPassword(ctx, testPhone, testIP))
	assert.ErrorIs(t, h.svc.ResetPassword(ctx, in, testIP), ErrResetNotReady, "sent but not verified")

	require.NoError(t, h.svc.VerifyOTP(ctx, testPhone, h.notifier.code(testPhone), testIP))
	require.NoError(t, h.svc.ResetPassword(ctx, in, testIP))
	assert.ErrorIs(t, h.svc.ResetPassword(ctx, in, testIP), ErrResetNotReady, "a verified code unlocks one reset")

	state, err := h.svc.ResetState(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, StateResetComplete, state)

	unknown := ResetInput{Phone: "923009999999", Password: "brand-new-pass", Password2: "brand-new-pass"}
	assert.ErrorIs(t, h.svc.ResetPassword(ctx, unknown, testIP), ErrResetNotReady)
}

func TestResetPassword_VerifiedCodeExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	registerTestAccount(t, h)

	require.NoError(t, h.svc.ForgotPassword(ctx, testPhone, testIP))
	require.NoError(t, h.svc.VerifyOTP(ctx, testPhone, h.notifier.code(testPhone), testIP))

	h.clock.Advance(5*time.Minute + time.Second)
	in := ResetInput{Phone: testPhone, Password: "brand-new-pass", Password2: "brand-new-pass"}
	assert.ErrorIs(t, h.svc.ResetPassword(ctx, in, testIP), ErrResetNotReady)
}

func TestResetPassword_Validation(t *testing.T) {
	h := newHarness(t)

	err := h.svc.ResetPassword(context.Background(), ResetInput{
		Phone: testPhone, Password: "brand-new-pass", Password2: "brand-new-pasS",
	}, testIP)
	require.ErrorIs(t, err, ErrValidation)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "new_password2")
}

func TestRateLimit_DeniesThenRecovers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withPolicies(func(p *Policies) {
		p.Login = ratelimit.Policy{Limit: 2, Window: time.Minute}
	}))
	registerTestAccount(t, h)

	for i := 0; i < 2; i++ {
		_, _, err := h.svc.Login(ctx, testPhone, testPassword, testIP)
		require.NoError(t, err)
	}

	_, _, err := h.svc.Login(ctx, testPhone, testPassword, testIP)
	require.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, ActionLogin, rl.Action)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))

	// another client address has its own budget
	_, _, err = h.svc.Login(ctx, testPhone, testPassword, "198.51.100.20")
	assert.NoError(t, err)

	h.clock.Advance(time.Minute)
	_, _, err = h.svc.Login(ctx, testPhone, testPassword, testIP)
	assert.NoError(t, err)
}

func TestResendOTP_SharesForgotBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withPolicies(func(p *Policies) {
		p.ForgotPassword = ratelimit.Policy{Limit: 2, Window: time.Minute}
	}))
	registerTestAccount(t, h)

	require.NoError(t, h.svc.ForgotPassword(ctx, testPhone, testIP))
	require.NoError(t, h.svc.ResendOTP(ctx, testPhone, testIP))
	assert.ErrorIs(t, h.svc.ResendOTP(ctx, testPhone, testIP), ErrRateLimited)
}

func TestStoreOutagePropagates(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWithStore(t, failingStore{})

	_, _, err := h.svc.Login(ctx, testPhone, testPassword, testIP)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, "store_unavailable", ErrorCode(err))

	err = h.svc.VerifyOTP(ctx, testPhone, "123456", testIP)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrOTPNotFound)
}

// The end-to-end flow a customer goes through when they forget a password.
func TestAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	acc, _ := registerTestAccount(t, h)

	_, first, err := h.svc.Login(ctx, testPhone, testPassword, testIP)
	require.NoError(t, err)
	require.NotEmpty(t, first.AccessToken)
	require.NotEmpty(t, first.RefreshToken)

	rotated, err := h.svc.Refresh(ctx, first.RefreshToken, testIP)
	require.NoError(t, err)
	_, err = h.svc.Refresh(ctx, first.RefreshToken, testIP)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, other, err := h.svc.Login(ctx, testPhone, testPassword, testIP)
	require.NoError(t, err)

	require.NoError(t, h.svc.ForgotPassword(ctx, testPhone, testIP))
	code := h.notifier.code(testPhone)
	bad := wrongCode(code)
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, h.svc.VerifyOTP(ctx, testPhone, bad, testIP), ErrOTPMismatch, "attempt %d", i+1)
	}
	require.ErrorIs(t, h.svc.VerifyOTP(ctx, testPhone, code, testIP), ErrOTPLocked)

	require.NoError(t, h.svc.ResendOTP(ctx, testPhone, testIP))
	fresh := h.notifier.code(testPhone)
	require.NoError(t, h.svc.VerifyOTP(ctx, testPhone, fresh, testIP))

	const newPassword = "battery-staple-2"
	require.NoError(t, h.svc.ResetPassword(ctx, ResetInput{
		Phone: testPhone, Password: newPassword, Password2: newPassword,
	}, testIP))

	_, _, err = h.svc.Login(ctx, testPhone, testPassword, testIP)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	got, _, err := h.svc.Login(ctx, testPhone, newPassword, testIP)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)

	for i, token := range []string{rotated.RefreshToken, other.RefreshToken} {
		_, err := h.svc.Refresh(ctx, token, testIP)
		assert.ErrorIs(t, err, ErrInvalidToken, fmt.Sprintf("pre-reset refresh token %d", i))
	}
}

func TestHasher(t *testing.T) {
	hasher, err := NewHasher(bcrypt.MinCost)
	require.NoError(t, err)

	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)
	assert.True(t, hasher.Check(hash, testPassword))
	assert.False(t, hasher.Check(hash, "not-the-password"))
	assert.False(t, hasher.Check("not-a-bcrypt-hash", testPassword))
	hasher.CheckDummy(testPassword)
}

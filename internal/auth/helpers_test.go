package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/storefront/accounts/internal/kv"
	"github.com/storefront/accounts/internal/ratelimit"
	"github.com/storefront/accounts/internal/repo"
	"github.com/storefront/accounts/internal/revocation"
)

// captureNotifier keeps the last code sent to each phone. Reads wait for
// the service's in-flight deliveries first.
type captureNotifier struct {
	mu    sync.Mutex
	codes map[string]string
	sends int
	fail  bool
	wait  func()
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{codes: make(map[string]string)}
}

func (n *captureNotifier) SendOTP(_ context.Context, phone, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends++
	if n.fail {
		return errors.New("sms gateway down")
	}
	n.codes[phone] = code
	return nil
}

func (n *captureNotifier) code(phone string) string {
	n.settle()
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[phone]
}

func (n *captureNotifier) sendCount() int {
	n.settle()
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sends
}

func (n *captureNotifier) settle() {
	if n.wait != nil {
		n.wait()
	}
}

type harness struct {
	svc      *Service
	tokens   *TokenService
	otps     *OTPManager
	accounts *repo.MemoryAccountRepo
	sessions *repo.MemoryRefreshRepo
	store    kv.Store
	notifier *captureNotifier
	clock    *fakeClock
}

type harnessOption func(*TokenConfig, *Policies)

func withReuseDetection(on bool) harnessOption {
	return func(c *TokenConfig, _ *Policies) { c.ReuseDetection = on }
}

func withPolicies(fn func(*Policies)) harnessOption {
	return func(_ *TokenConfig, p *Policies) { fn(p) }
}

// generous limits so scenario tests only hit the limiter when they mean to
func relaxedPolicies() Policies {
	p := ratelimit.Policy{Limit: 1000, Window: time.Minute}
	return Policies{Register: p, Login: p, Refresh: p, ForgotPassword: p, VerifyOTP: p, ResetPassword: p}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	return newHarnessWithStore(t, nil, opts...)
}

// newHarnessWithStore builds a harness; a nil store means a fresh memory kv.
func newHarnessWithStore(t *testing.T, store kv.Store, opts ...harnessOption) *harness {
	t.Helper()

	clock := newFakeClock()
	if store == nil {
		mem := kv.NewMemory(kv.WithClock(clock.Now))
		t.Cleanup(func() { _ = mem.Close() })
		store = mem
	}

	tokenCfg := TokenConfig{
		AccessSecret:   "access-secret-for-tests-only-0123456789",
		RefreshSecret:  "refresh-secret-for-tests-only-9876543210",
		Issuer:         "storefront-accounts",
		ReuseDetection: true,
		Now:            clock.Now,
	}
	policies := relaxedPolicies()
	for _, opt := range opts {
		opt(&tokenCfg, &policies)
	}

	hasher, err := NewHasher(bcrypt.MinCost)
	require.NoError(t, err)

	accounts := repo.NewMemoryAccountRepo()
	sessions := repo.NewMemoryRefreshRepo()
	tokens := NewTokenService(tokenCfg, sessions, revocation.New(store, clock.Now), nil, nil)
	otps := NewOTPManager(store, OTPConfig{Salt: "test-salt", Now: clock.Now})
	notifier := newCaptureNotifier()

	svc := NewService(Deps{
		Accounts: accounts,
		Tokens:   tokens,
		OTPs:     otps,
		Limiter:  ratelimit.New(store),
		Hasher:   hasher,
		Notifier: notifier,
		Policies: policies,
	})
	notifier.wait = func() { _ = svc.Drain(context.Background()) }

	return &harness{
		svc:      svc,
		tokens:   tokens,
		otps:     otps,
		accounts: accounts,
		sessions: sessions,
		store:    store,
		notifier: notifier,
		clock:    clock,
	}
}

const (
	testIP       = "203.0.113.7"
	testPassword = "correct-horse-1"
)

func validRegistration() RegisterInput {
	return RegisterInput{
		Phone:     testPhone,
		Password:  testPassword,
		Password2: testPassword,
		FirstName: "Ayesha",
		LastName:  "Khan",
	}
}

// failingStore fails every call, standing in for an unreachable Redis.
type failingStore struct{}

var errStoreDown = errors.New("dial tcp 10.0.0.5:6379: connection refused")

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errStoreDown }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}
func (failingStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (failingStore) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (failingStore) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	return false, errStoreDown
}
func (failingStore) Delete(context.Context, string) error         { return errStoreDown }
func (failingStore) Exists(context.Context, string) (bool, error) { return false, errStoreDown }
func (failingStore) IncrWithin(context.Context, string, int64, time.Duration) (kv.Counter, error) {
	return kv.Counter{}, errStoreDown
}
func (failingStore) Ping(context.Context) error { return errStoreDown }

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/storefront/accounts/internal/kv"
)

const (
	otpLength          = 6
	defaultOTPTTL      = 5 * time.Minute
	defaultMaxAttempts = 5
	// casRetries bounds the read-modify-write loop under contention.
	casRetries = 16
)

var otpSpace = big.NewInt(1_000_000)

// ResetState is the password reset stage derived from the stored OTP record.
type ResetState string

const (
	StateInit          ResetState = "INIT"
	StateOTPSent       ResetState = "OTP_SENT"
	StateOTPVerified   ResetState = "OTP_VERIFIED"
	StateResetComplete ResetState = "RESET_COMPLETE"
)

type otpRecord struct {
	Hash         string    `json:"hash"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Attempts     int       `json:"attempts"`
	Consumed     bool      `json:"consumed"`
	ResetApplied bool      `json:"reset_applied"`
}

// OTPManager issues and verifies password reset codes. Only the salted hash of
// a code is stored, one record per phone, in the shared kv store.
type OTPManager struct {
	store       kv.Store
	salt        string
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	random      io.Reader
}

// OTPConfig configures an OTPManager.
type OTPConfig struct {
	Salt        string
	TTL         time.Duration
	MaxAttempts int
	Now         func() time.Time
}

// NewOTPManager creates an OTP manager over store.
func NewOTPManager(store kv.Store, cfg OTPConfig) *OTPManager {
	m := &OTPManager{
		store:       store,
		salt:        cfg.Salt,
		ttl:         cfg.TTL,
		maxAttempts: cfg.MaxAttempts,
		now:         cfg.Now,
		random:      rand.Reader,
	}
	if m.ttl <= 0 {
		m.ttl = defaultOTPTTL
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = defaultMaxAttempts
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func otpKey(phone string) string {
	return "otp:" + phone
}

// retention keeps an expired record around long enough to report EXPIRED
// rather than NOT_FOUND.
func (m *OTPManager) retention() time.Duration {
	return 2 * m.ttl
}

// Issue generates a fresh code for phone, replacing any previous one, and
// returns the plaintext for delivery. The plaintext is not stored.
func (m *OTPManager) Issue(ctx context.Context, phone string) (string, error) {
	code, err := m.generateCode()
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}

	now := m.now()
	rec := otpRecord{
		Hash:      hashOTPHex(phone, code, m.salt),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode otp record: %w", err)
	}

	if err := m.store.Set(ctx, otpKey(phone), raw, m.retention()); err != nil {
		return "", unavailable("store otp", err)
	}
	return code, nil
}

// Verify checks code against the live record for phone. On success the record
// is consumed and a second Verify of the same code reports ErrOTPNotFound.
// A mismatch costs one attempt; once the ceiling is reached every call reports
// ErrOTPLocked until a new code is issued.
func (m *OTPManager) Verify(ctx context.Context, phone, code string) error {
	for i := 0; i < casRetries; i++ {
		raw, rec, err := m.load(ctx, phone)
		if err != nil {
			return err
		}

		switch {
		case rec.Consumed:
			return ErrOTPNotFound
		case m.now().After(rec.ExpiresAt):
			if _, err := m.store.CompareAndDelete(ctx, otpKey(phone), raw); err != nil {
				return unavailable("expire otp", err)
			}
			return ErrOTPExpired
		case rec.Attempts >= m.maxAttempts:
			return ErrOTPLocked
		}

		stored, err := hex.DecodeString(rec.Hash)
		if err != nil {
			return fmt.Errorf("decode otp hash: %w", err)
		}

		match := constantTimeCompare(hashOTPBytes(phone, code, m.salt), stored)
		if match {
			rec.Consumed = true
		} else {
			rec.Attempts++
		}

		swapped, err := m.swap(ctx, phone, raw, rec)
		if err != nil {
			return err
		}
		if !swapped {
			// lost a race with another verify or a reissue; re-read
			continue
		}
		if !match {
			return ErrOTPMismatch
		}
		return nil
	}
	return unavailable("verify otp", errors.New("too much contention on otp record"))
}

// ApplyReset marks a verified, unexpired code as spent on a password reset.
// Exactly one caller wins; everyone else gets ErrResetNotReady.
func (m *OTPManager) ApplyReset(ctx context.Context, phone string) error {
	for i := 0; i < casRetries; i++ {
		raw, rec, err := m.load(ctx, phone)
		if errors.Is(err, ErrOTPNotFound) {
			return ErrResetNotReady
		}
		if err != nil {
			return err
		}

		if !rec.Consumed || rec.ResetApplied || m.now().After(rec.ExpiresAt) {
			return ErrResetNotReady
		}

		rec.ResetApplied = true
		swapped, err := m.swap(ctx, phone, raw, rec)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return unavailable("apply reset", errors.New("too much contention on otp record"))
}

// ReleaseReset undoes ApplyReset when the password update that followed it
// failed, so the holder of the verified code can retry.
func (m *OTPManager) ReleaseReset(ctx context.Context, phone string) error {
	for i := 0; i < casRetries; i++ {
		raw, rec, err := m.load(ctx, phone)
		if errors.Is(err, ErrOTPNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !rec.ResetApplied {
			return nil
		}

		rec.ResetApplied = false
		swapped, err := m.swap(ctx, phone, raw, rec)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return unavailable("release reset", errors.New("too much contention on otp record"))
}

// State reports the reset stage for phone.
func (m *OTPManager) State(ctx context.Context, phone string) (ResetState, error) {
	_, rec, err := m.load(ctx, phone)
	if errors.Is(err, ErrOTPNotFound) {
		return StateInit, nil
	}
	if err != nil {
		return "", err
	}

	switch {
	case rec.ResetApplied:
		return StateResetComplete, nil
	case m.now().After(rec.ExpiresAt):
		return StateInit, nil
	case rec.Consumed:
		return StateOTPVerified, nil
	default:
		return StateOTPSent, nil
	}
}

func (m *OTPManager) load(ctx context.Context, phone string) ([]byte, otpRecord, error) {
	raw, err := m.store.Get(ctx, otpKey(phone))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, otpRecord{}, ErrOTPNotFound
	}
	if err != nil {
		return nil, otpRecord{}, unavailable("load otp", err)
	}

	var rec otpRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, otpRecord{}, fmt.Errorf("decode otp record: %w", err)
	}
	return raw, rec, nil
}

func (m *OTPManager) swap(ctx context.Context, phone string, old []byte, rec otpRecord) (bool, error) {
	next, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode otp record: %w", err)
	}
	ok, err := m.store.CompareAndSwap(ctx, otpKey(phone), old, next, 0)
	if err != nil {
		return false, unavailable("update otp", err)
	}
	return ok, nil
}

// generateCode draws uniformly from 000000-999999.
func (m *OTPManager) generateCode() (string, error) {
	n, err := rand.Int(m.random, otpSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpLength, n.Int64()), nil
}

// hashOTPHex returns SHA-256(phone:code:salt) as hex for storage
func hashOTPHex(phone, code, salt string) string {
	return hex.EncodeToString(hashOTPBytes(phone, code, salt))
}

func hashOTPBytes(phone, code, salt string) []byte {
	data := fmt.Sprintf("%s:%s:%s", phone, code, salt)
	hash := sha256.Sum256([]byte(data))
	return hash[:]
}

func constantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var result int
	for i := 0; i < len(a); i++ {
		result |= int(a[i]) ^ int(b[i])
	}
	return result == 0
}

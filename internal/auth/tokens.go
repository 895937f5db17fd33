package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storefront/accounts/internal/model"
	"github.com/storefront/accounts/internal/repo"
	"github.com/storefront/accounts/internal/revocation"
	"github.com/storefront/accounts/internal/telemetry"
)

const (
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultReuseGrace = 10 * time.Second

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims are the JWT claims of both token kinds. Subject is the account id
// and ID the jti.
type Claims struct {
	Role      model.Role `json:"role"`
	TokenType string     `json:"typ"`
	jwt.RegisteredClaims
}

// AccountID parses the subject claim.
func (c *Claims) AccountID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// TokenPair is what login, registration and refresh hand back.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenConfig configures a TokenService.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// ReuseDetection revokes every session of an account when a refresh
	// token that was already rotated is presented again.
	ReuseDetection bool
	// ReuseGrace tolerates a rotated token arriving again shortly after
	// rotation, which is what a client retry or a double submit looks like.
	ReuseGrace time.Duration
	Now        func() time.Time
}

// TokenService issues, verifies, rotates and revokes tokens.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	reuse         bool
	reuseGrace    time.Duration
	now           func() time.Time

	sessions repo.RefreshRepo
	revoked  *revocation.Store
	log      *zap.Logger
	metrics  *telemetry.Provider
}

// NewTokenService creates a token service.
func NewTokenService(cfg TokenConfig, sessions repo.RefreshRepo, revoked *revocation.Store, log *zap.Logger, metrics *telemetry.Provider) *TokenService {
	s := &TokenService{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		issuer:        cfg.Issuer,
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		reuse:         cfg.ReuseDetection,
		reuseGrace:    cfg.ReuseGrace,
		now:           cfg.Now,
		sessions:      sessions,
		revoked:       revoked,
		log:           log,
		metrics:       metrics,
	}
	if s.accessTTL <= 0 {
		s.accessTTL = defaultAccessTTL
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = defaultRefreshTTL
	}
	if s.reuseGrace <= 0 {
		s.reuseGrace = defaultReuseGrace
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// IssuePair mints an access token and a generation-0 refresh token and
// persists the refresh session.
func (s *TokenService) IssuePair(ctx context.Context, account model.Account) (*TokenPair, error) {
	return s.issue(ctx, uuid.New(), account.ID, account.Role, 0)
}

func (s *TokenService) issue(ctx context.Context, sessionID, accountID uuid.UUID, role model.Role, generation int) (*TokenPair, error) {
	now := s.now()
	refreshExp := now.Add(s.refreshTTL)

	session := model.RefreshSession{
		ID:         sessionID,
		AccountID:  accountID,
		Role:       role,
		Generation: generation,
		CreatedAt:  now,
		ExpiresAt:  refreshExp,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, unavailable("create refresh session", err)
	}

	refreshToken, err := s.sign(s.refreshSecret, sessionID.String(), accountID, role, tokenTypeRefresh, now, refreshExp)
	if err != nil {
		return nil, err
	}

	accessExp := now.Add(s.accessTTL)
	accessToken, err := s.sign(s.accessSecret, uuid.NewString(), accountID, role, tokenTypeAccess, now, accessExp)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *TokenService) sign(secret []byte, jti string, accountID uuid.UUID, role model.Role, typ string, now, exp time.Time) (string, error) {
	claims := &Claims{
		Role:      role,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   accountID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", typ, err)
	}
	return tokenString, nil
}

// parse checks signature, algorithm, issuer, expiry and token kind. Every
// failure is ErrInvalidToken.
func (s *TokenService) parse(tokenString string, secret []byte, typ string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != typ || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if _, err := claims.AccountID(); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyAccess validates an access token and checks it has not been revoked.
func (s *TokenService) VerifyAccess(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.accessSecret, tokenTypeAccess)
	if err != nil {
		return nil, err
	}

	revoked, err := s.revoked.Contains(ctx, claims.ID)
	if err != nil {
		return nil, unavailable("check access revocation", err)
	}
	if revoked {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Rotate exchanges a live refresh token for a new pair. The old jti is
// claimed with an atomic insert into the revocation store, so of several
// concurrent rotations of one token at most one succeeds.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, session, err := s.loadRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	revoked, err := s.revoked.Contains(ctx, claims.ID)
	if err != nil {
		return nil, unavailable("check refresh revocation", err)
	}
	if revoked || session.Revoked() {
		s.detectReuse(ctx, session)
		return nil, ErrInvalidToken
	}

	inserted, err := s.revoked.Put(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return nil, unavailable("revoke rotated token", err)
	}
	if !inserted {
		return nil, ErrInvalidToken
	}

	next := uuid.New()
	ok, err := s.sessions.RevokeAndSetReplacedBy(ctx, session.ID, next, s.now())
	if err != nil {
		return nil, unavailable("retire refresh session", err)
	}
	if !ok {
		return nil, ErrInvalidToken
	}
	s.metrics.RecordRevocation(ctx, "rotation", 1)

	return s.issue(ctx, next, session.AccountID, session.Role, session.Generation+1)
}

// detectReuse treats a rotated-away token arriving after the grace period as
// stolen and ends every session of the account.
func (s *TokenService) detectReuse(ctx context.Context, session model.RefreshSession) {
	if !s.reuse || session.ReplacedBy == nil || session.RevokedAt == nil {
		return
	}
	if s.now().Sub(*session.RevokedAt) < s.reuseGrace {
		return
	}

	n, err := s.RevokeAllForAccount(ctx, session.AccountID)
	if err != nil {
		s.log.Error("refresh reuse: revoking sessions failed",
			zap.String("account_id", session.AccountID.String()),
			zap.Error(err),
		)
		return
	}
	s.metrics.RecordRevocation(ctx, "reuse", n)
	s.log.Warn("refresh token reuse detected, all sessions revoked",
		zap.String("account_id", session.AccountID.String()),
		zap.Int("generation", session.Generation),
		zap.Int("revoked", n),
	)
}

func (s *TokenService) loadRefresh(ctx context.Context, refreshToken string) (*Claims, model.RefreshSession, error) {
	claims, err := s.parse(refreshToken, s.refreshSecret, tokenTypeRefresh)
	if err != nil {
		return nil, model.RefreshSession{}, err
	}

	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, model.RefreshSession{}, ErrInvalidToken
	}

	session, err := s.sessions.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, model.RefreshSession{}, ErrInvalidToken
	}
	if err != nil {
		return nil, model.RefreshSession{}, unavailable("load refresh session", err)
	}

	if session.AccountID.String() != claims.Subject {
		return nil, model.RefreshSession{}, ErrInvalidToken
	}
	return claims, session, nil
}

// Revoke ends a login session: the refresh session is revoked and its jti
// blacklisted. When an access token is given it must belong to the same
// account and is blacklisted for the rest of its lifetime.
func (s *TokenService) Revoke(ctx context.Context, refreshToken, accessToken string) error {
	claims, session, err := s.loadRefresh(ctx, refreshToken)
	if err != nil {
		return err
	}

	var access *Claims
	if accessToken != "" {
		// an already revoked access token still identifies its owner here
		access, err = s.parse(accessToken, s.accessSecret, tokenTypeAccess)
		if err != nil {
			return err
		}
		if access.Subject != claims.Subject {
			return ErrInvalidToken
		}
	}

	ok, err := s.sessions.Revoke(ctx, session.ID, s.now())
	if err != nil {
		return unavailable("revoke refresh session", err)
	}
	if !ok {
		return ErrInvalidToken
	}

	if _, err := s.revoked.Put(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return unavailable("revoke refresh token", err)
	}
	revokedCount := 1

	if access != nil {
		if _, err := s.revoked.Put(ctx, access.ID, access.ExpiresAt.Time); err != nil {
			return unavailable("revoke access token", err)
		}
		revokedCount++
	}

	s.metrics.RecordRevocation(ctx, "logout", revokedCount)
	return nil
}

// RevokeAccess blacklists a single access token, e.g. when an operator forces
// a logout.
func (s *TokenService) RevokeAccess(ctx context.Context, accessToken string) error {
	claims, err := s.parse(accessToken, s.accessSecret, tokenTypeAccess)
	if err != nil {
		return err
	}
	if _, err := s.revoked.Put(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return unavailable("revoke access token", err)
	}
	s.metrics.RecordRevocation(ctx, "forced", 1)
	return nil
}

// RevokeAllForAccount revokes every live refresh session of an account and
// blacklists their jtis. It returns how many sessions were revoked. Access
// tokens already handed out stay valid until they expire.
func (s *TokenService) RevokeAllForAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	sessions, err := s.sessions.RevokeAllForAccount(ctx, accountID, s.now())
	if err != nil {
		return 0, unavailable("revoke account sessions", err)
	}
	for _, session := range sessions {
		if _, err := s.revoked.Put(ctx, session.ID.String(), session.ExpiresAt); err != nil {
			return 0, unavailable("revoke account sessions", err)
		}
	}
	return len(sessions), nil
}

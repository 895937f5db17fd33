package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storefront/accounts/internal/model"
)

// RefreshRepo defines the interface for refresh session repository operations.
// Revoke methods are conditional on the session still being live and report
// whether this call performed the revocation.
type RefreshRepo interface {
	Create(ctx context.Context, s model.RefreshSession) error
	Get(ctx context.Context, id uuid.UUID) (model.RefreshSession, error)
	RevokeAndSetReplacedBy(ctx context.Context, id, replacedBy uuid.UUID, at time.Time) (bool, error)
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	RevokeAllForAccount(ctx context.Context, accountID uuid.UUID, at time.Time) ([]model.RefreshSession, error)
}

type refreshRepo struct {
	db *sql.DB
}

// NewRefreshRepo creates a new RefreshRepo instance
func NewRefreshRepo(db *sql.DB) RefreshRepo {
	return &refreshRepo{db: db}
}

const sessionColumns = `id, account_id, role, generation, created_at, expires_at, revoked_at, replaced_by`

// Create inserts a new refresh session
func (r *refreshRepo) Create(ctx context.Context, s model.RefreshSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (id, account_id, role, generation, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.AccountID, string(s.Role), s.Generation, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert refresh session: %w", err)
	}
	return nil
}

// Get returns the session regardless of revocation status; callers decide
// what a revoked or rotated session means.
func (r *refreshRepo) Get(ctx context.Context, id uuid.UUID) (model.RefreshSession, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM refresh_sessions WHERE id = $1`, id)
	if err != nil {
		return model.RefreshSession{}, fmt.Errorf("find session: %w", err)
	}
	sessions, err := scanSessions(rows)
	if err != nil {
		return model.RefreshSession{}, err
	}
	if len(sessions) == 0 {
		return model.RefreshSession{}, fmt.Errorf("session %w", ErrNotFound)
	}
	return sessions[0], nil
}

// RevokeAndSetReplacedBy retires a live session in favour of its successor.
// Of two concurrent calls on the same session exactly one gets true.
func (r *refreshRepo) RevokeAndSetReplacedBy(ctx context.Context, id, replacedBy uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE refresh_sessions
		SET revoked_at = $3, replaced_by = $2
		WHERE id = $1 AND revoked_at IS NULL
	`, id, replacedBy, at)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// Revoke sets revoked_at for a live session
func (r *refreshRepo) Revoke(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// RevokeAllForAccount revokes every live session of an account and returns
// the sessions it revoked.
func (r *refreshRepo) RevokeAllForAccount(ctx context.Context, accountID uuid.UUID, at time.Time) ([]model.RefreshSession, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE refresh_sessions SET revoked_at = $2
		WHERE account_id = $1 AND revoked_at IS NULL
		RETURNING `+sessionColumns,
		accountID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("revoke all sessions for account: %w", err)
	}
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]model.RefreshSession, error) {
	defer rows.Close()

	var out []model.RefreshSession
	for rows.Next() {
		var s model.RefreshSession
		var idStr, accountIDStr, role string
		var revokedAt sql.NullTime
		var replacedBy sql.NullString
		if err := rows.Scan(
			&idStr,
			&accountIDStr,
			&role,
			&s.Generation,
			&s.CreatedAt,
			&s.ExpiresAt,
			&revokedAt,
			&replacedBy,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}

		var err error
		if s.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parse session ID: %w", err)
		}
		if s.AccountID, err = uuid.Parse(accountIDStr); err != nil {
			return nil, fmt.Errorf("parse account ID: %w", err)
		}
		s.Role = model.Role(role)
		if revokedAt.Valid {
			t := revokedAt.Time
			s.RevokedAt = &t
		}
		if replacedBy.Valid && replacedBy.String != "" {
			u, err := uuid.Parse(replacedBy.String)
			if err != nil {
				return nil, fmt.Errorf("parse replaced_by: %w", err)
			}
			s.ReplacedBy = &u
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

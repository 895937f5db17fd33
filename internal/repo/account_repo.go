package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/storefront/accounts/internal/model"
)

// AccountRepo defines the interface for account repository operations
type AccountRepo interface {
	Create(ctx context.Context, in model.NewAccount) (model.Account, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Account, error)
	GetByPhone(ctx context.Context, phone string) (model.Account, error)
	SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error
}

type accountRepo struct {
	db *sql.DB
}

// NewAccountRepo creates a new AccountRepo instance
func NewAccountRepo(db *sql.DB) AccountRepo {
	return &accountRepo{db: db}
}

const accountColumns = `id, phone, password_hash, role, first_name, last_name,
	date_of_birth, is_active, created_at, updated_at`

// Create inserts a new account. A taken phone number yields ErrDuplicate.
func (r *accountRepo) Create(ctx context.Context, in model.NewAccount) (model.Account, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO accounts (phone, password_hash, role, first_name, last_name, date_of_birth)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+accountColumns,
		in.Phone, in.PasswordHash, string(in.Role), in.FirstName, in.LastName, in.DateOfBirth,
	)

	a, err := scanAccount(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return model.Account{}, fmt.Errorf("account %w", ErrDuplicate)
		}
		return model.Account{}, fmt.Errorf("failed to insert account: %w", err)
	}
	return a, nil
}

// GetByID retrieves an account by ID
func (r *accountRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, fmt.Errorf("account %w", ErrNotFound)
		}
		return model.Account{}, fmt.Errorf("failed to query account: %w", err)
	}
	return a, nil
}

// GetByPhone retrieves an account by phone number
func (r *accountRepo) GetByPhone(ctx context.Context, phone string) (model.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE phone = $1`, phone)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, fmt.Errorf("account %w", ErrNotFound)
		}
		return model.Account{}, fmt.Errorf("failed to query account: %w", err)
	}
	return a, nil
}

// SetPasswordHash replaces the password hash of an account
func (r *accountRepo) SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET password_hash = $2, updated_at = now() WHERE id = $1
	`, id, hash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("account %w", ErrNotFound)
	}
	return nil
}

func scanAccount(row *sql.Row) (model.Account, error) {
	var a model.Account
	var idStr, role string
	var dob sql.NullTime
	err := row.Scan(
		&idStr,
		&a.Phone,
		&a.PasswordHash,
		&role,
		&a.FirstName,
		&a.LastName,
		&dob,
		&a.Active,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return model.Account{}, err
	}
	a.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to parse account ID: %w", err)
	}
	a.Role = model.Role(role)
	if dob.Valid {
		t := dob.Time
		a.DateOfBirth = &t
	}
	return a, nil
}

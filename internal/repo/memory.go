package repo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storefront/accounts/internal/model"
)

// MemoryAccountRepo is an in-process AccountRepo for tests and local runs.
type MemoryAccountRepo struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]model.Account
	byPhone map[string]uuid.UUID
	now     func() time.Time
}

// NewMemoryAccountRepo creates an empty in-memory account store.
func NewMemoryAccountRepo() *MemoryAccountRepo {
	return &MemoryAccountRepo{
		byID:    make(map[uuid.UUID]model.Account),
		byPhone: make(map[string]uuid.UUID),
		now:     time.Now,
	}
}

func (r *MemoryAccountRepo) Create(_ context.Context, in model.NewAccount) (model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byPhone[in.Phone]; ok {
		return model.Account{}, fmt.Errorf("account %w", ErrDuplicate)
	}

	now := r.now()
	role := in.Role
	if role == "" {
		role = model.RoleCustomer
	}
	a := model.Account{
		ID:           uuid.New(),
		Phone:        in.Phone,
		PasswordHash: in.PasswordHash,
		Role:         role,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		DateOfBirth:  in.DateOfBirth,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.byID[a.ID] = a
	r.byPhone[a.Phone] = a.ID
	return a, nil
}

func (r *MemoryAccountRepo) GetByID(_ context.Context, id uuid.UUID) (model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.byID[id]
	if !ok {
		return model.Account{}, fmt.Errorf("account %w", ErrNotFound)
	}
	return a, nil
}

func (r *MemoryAccountRepo) GetByPhone(_ context.Context, phone string) (model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPhone[phone]
	if !ok {
		return model.Account{}, fmt.Errorf("account %w", ErrNotFound)
	}
	return r.byID[id], nil
}

func (r *MemoryAccountRepo) SetPasswordHash(_ context.Context, id uuid.UUID, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("account %w", ErrNotFound)
	}
	a.PasswordHash = hash
	a.UpdatedAt = r.now()
	r.byID[id] = a
	return nil
}

// SetActive toggles the active flag. There is no HTTP surface for it; account
// administration lives in another service.
func (r *MemoryAccountRepo) SetActive(id uuid.UUID, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok {
		a.Active = active
		r.byID[id] = a
	}
}

// MemoryRefreshRepo is an in-process RefreshRepo for tests and local runs.
type MemoryRefreshRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]model.RefreshSession
}

// NewMemoryRefreshRepo creates an empty in-memory session store.
func NewMemoryRefreshRepo() *MemoryRefreshRepo {
	return &MemoryRefreshRepo{
		sessions: make(map[uuid.UUID]model.RefreshSession),
	}
}

func (r *MemoryRefreshRepo) Create(_ context.Context, s model.RefreshSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("session %w", ErrDuplicate)
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *MemoryRefreshRepo) Get(_ context.Context, id uuid.UUID) (model.RefreshSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return model.RefreshSession{}, fmt.Errorf("session %w", ErrNotFound)
	}
	return s, nil
}

func (r *MemoryRefreshRepo) RevokeAndSetReplacedBy(_ context.Context, id, replacedBy uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.Revoked() {
		return false, nil
	}
	s.RevokedAt = &at
	s.ReplacedBy = &replacedBy
	r.sessions[id] = s
	return true, nil
}

func (r *MemoryRefreshRepo) Revoke(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.Revoked() {
		return false, nil
	}
	s.RevokedAt = &at
	r.sessions[id] = s
	return true, nil
}

func (r *MemoryRefreshRepo) RevokeAllForAccount(_ context.Context, accountID uuid.UUID, at time.Time) ([]model.RefreshSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.RefreshSession
	for id, s := range r.sessions {
		if s.AccountID != accountID || s.Revoked() {
			continue
		}
		revokedAt := at
		s.RevokedAt = &revokedAt
		r.sessions[id] = s
		out = append(out, s)
	}
	return out, nil
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is the account's tag. Authorization beyond authenticated-vs-not is
// left to downstream services.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleSeller   Role = "seller"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleSeller, RoleAdmin:
		return true
	}
	return false
}

// Account represents a storefront account, identified by phone number
type Account struct {
	ID           uuid.UUID
	Phone        string
	PasswordHash string
	Role         Role
	FirstName    string
	LastName     string
	DateOfBirth  *time.Time
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewAccount is the input for creating an account
type NewAccount struct {
	Phone        string
	PasswordHash string
	Role         Role
	FirstName    string
	LastName     string
	DateOfBirth  *time.Time
}

// RefreshSession is the persisted record of one refresh token. ID is the
// token's jti.
type RefreshSession struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	Role       Role
	Generation int
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *uuid.UUID
}

// Revoked reports whether the session has been revoked or rotated.
func (s RefreshSession) Revoked() bool {
	return s.RevokedAt != nil
}

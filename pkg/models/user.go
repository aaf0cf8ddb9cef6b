package models

import "time"

// User is the account that owns a credit balance and generation requests.
// Profile fields are owned by the external auth service; this service only
// reads and mutates CreditsBalance, and only through the ledger.
type User struct {
	ID             string    `json:"id" db:"id"`
	Email          string    `json:"email" db:"email"`
	Role           UserRole  `json:"role" db:"role"`
	CreditsBalance int       `json:"credits_balance" db:"credits_balance"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// UserRole represents user roles.
type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

// JWTClaims mirrors the claims issued by the external auth service and trusted
// by this service's middleware.
type JWTClaims struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Role   UserRole `json:"role"`
}

package auth

import "time"

// Account is a back-office operator (teller, manager, admin, ...).
type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RolePermission links one role to one permission code.
type RolePermission struct {
	Role Role   `json:"role"`
	Code string `json:"code"`
}

// RefreshToken is the persisted side of an issued refresh JWT, keyed by the
// token's jti claim. The row is what makes revocation possible.
type RefreshToken struct {
	JTI       string
	AccountID string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

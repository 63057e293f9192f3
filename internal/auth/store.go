package auth

import "context"

// AccountStore manages operator accounts.
type AccountStore interface {
	Find(ctx context.Context, id string) (*Account, error)
	FindByUsername(ctx context.Context, username string) (*Account, error)
	Create(ctx context.Context, a *Account) error
	Update(ctx context.Context, a *Account) error
	List(ctx context.Context) ([]*Account, error)
}

// PermissionStore manages the role → permission-code matrix.
type PermissionStore interface {
	// LoadAll returns every role→code pair in one query.
	LoadAll(ctx context.Context) ([]RolePermission, error)
	// SetForRole replaces the code set assigned to a role.
	SetForRole(ctx context.Context, role Role, codes []string) error
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, jti string) (*RefreshToken, error)
	Revoke(ctx context.Context, jti string) error
	RevokeByAccount(ctx context.Context, accountID string) error
}

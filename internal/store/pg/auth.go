package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"unitedexchange.org/internal/audit"
	"unitedexchange.org/internal/auth"
	"unitedexchange.org/internal/ids"
	"unitedexchange.org/internal/ratelimit"
)

// Typed views over the shared handle, one per persistence contract.

func (s *Store) Accounts() auth.AccountStore           { return &accountStore{db: s.db} }
func (s *Store) Permissions() auth.PermissionStore     { return &permissionStore{db: s.db} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return &refreshTokenStore{db: s.db} }
func (s *Store) LoginAttempts() ratelimit.AttemptLog   { return &attemptStore{db: s.db} }
func (s *Store) AuditLog() audit.Store                 { return &auditStore{db: s.db} }

// Accounts -----------------------------------------------------------------

type accountStore struct{ db *sql.DB }

var _ auth.AccountStore = (*accountStore)(nil)

const accountColumns = `id, username, email, full_name, role, active, password_hash, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*auth.Account, error) {
	var a auth.Account
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.FullName, &a.Role, &a.Active, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *accountStore) Find(ctx context.Context, id string) (*auth.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+accountColumns+`
		from accounts
		where id = $1
	`, id)
	return scanAccount(row)
}

func (s *accountStore) FindByUsername(ctx context.Context, username string) (*auth.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+accountColumns+`
		from accounts
		where lower(username) = lower($1)
	`, username)
	return scanAccount(row)
}

func (s *accountStore) Create(ctx context.Context, a *auth.Account) error {
	_, err := s.db.ExecContext(ctx, `
		insert into accounts(id, username, email, full_name, role, active, password_hash)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.Username, a.Email, a.FullName, a.Role, a.Active, a.PasswordHash)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return auth.ErrConflict
	}
	return err
}

func (s *accountStore) Update(ctx context.Context, a *auth.Account) error {
	res, err := s.db.ExecContext(ctx, `
		update accounts
		set email = $2, full_name = $3, role = $4, active = $5, password_hash = $6, updated_at = now()
		where id = $1
	`, a.ID, a.Email, a.FullName, a.Role, a.Active, a.PasswordHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *accountStore) List(ctx context.Context) ([]*auth.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+accountColumns+`
		from accounts
		order by username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Role permissions ---------------------------------------------------------

type permissionStore struct{ db *sql.DB }

var _ auth.PermissionStore = (*permissionStore)(nil)

func (s *permissionStore) LoadAll(ctx context.Context) ([]auth.RolePermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select role, code
		from role_permissions
		order by role, code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.RolePermission
	for rows.Next() {
		var rp auth.RolePermission
		if err := rows.Scan(&rp.Role, &rp.Code); err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}

func (s *permissionStore) SetForRole(ctx context.Context, role auth.Role, codes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role = $1`, role); err != nil {
		return err
	}
	for _, code := range codes {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions(role, code) values ($1, $2)
			on conflict do nothing
		`, role, code); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Refresh tokens -----------------------------------------------------------

type refreshTokenStore struct{ db *sql.DB }

var _ auth.RefreshTokenStore = (*refreshTokenStore)(nil)

func (s *refreshTokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(jti, account_id, expires_at)
		values ($1, $2, $3)
	`, tok.JTI, tok.AccountID, tok.ExpiresAt)
	return err
}

func (s *refreshTokenStore) Find(ctx context.Context, jti string) (*auth.RefreshToken, error) {
	var tok auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select jti, account_id, expires_at, revoked, created_at
		from refresh_tokens
		where jti = $1
	`, jti).Scan(&tok.JTI, &tok.AccountID, &tok.ExpiresAt, &tok.Revoked, &tok.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *refreshTokenStore) Revoke(ctx context.Context, jti string) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true where jti = $1
	`, jti)
	return err
}

func (s *refreshTokenStore) RevokeByAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true where account_id = $1
	`, accountID)
	return err
}

// Login attempts (durable side of the login rate limiter) -------------------

type attemptStore struct{ db *sql.DB }

var _ ratelimit.AttemptLog = (*attemptStore)(nil)

func (s *attemptStore) Append(ctx context.Context, username, ip string, success bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into login_attempts(id, username, ip, success, attempted_at)
		values ($1, $2, $3, $4, $5)
	`, ids.New(), username, ip, success, at)
	return err
}

// CountRecentFailures counts failed attempts for the username OR the IP in
// the trailing window, ignoring anything before the most recent success for
// the same username/IP: success rows are what age a durable block out.
func (s *attemptStore) CountRecentFailures(ctx context.Context, username, ip string, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window)
	var count int
	err := s.db.QueryRowContext(ctx, `
		select count(*)
		from login_attempts
		where (username = $1 or ip = $2)
		  and success = false
		  and attempted_at > $3
		  and attempted_at > coalesce((
			select max(attempted_at)
			from login_attempts
			where (username = $1 or ip = $2) and success = true
		  ), 'epoch'::timestamptz)
	`, username, ip, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count login attempts: %w", err)
	}
	return count, nil
}

// Audit ---------------------------------------------------------------------

type auditStore struct{ db *sql.DB }

var _ audit.Store = (*auditStore)(nil)

func (s *auditStore) Append(ctx context.Context, e *audit.Entry) error {
	oldValues, err := marshalValues(e.OldValues)
	if err != nil {
		return err
	}
	newValues, err := marshalValues(e.NewValues)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_logs(id, actor_id, action, resource_type, resource_id, old_values, new_values, ip, severity, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, nullIfEmpty(e.ActorID), e.Action, e.ResourceType, nullIfEmpty(e.ResourceID), oldValues, newValues, nullIfEmpty(e.IP), e.Severity, e.OccurredAt)
	return err
}

func marshalValues(values map[string]any) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("marshal audit values: %w", err)
	}
	return data, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

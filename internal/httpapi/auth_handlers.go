package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"unitedexchange.org/internal/audit"
	"unitedexchange.org/internal/auth"
	"unitedexchange.org/internal/obs"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Success      bool          `json:"success"`
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Account      *auth.Account `json:"account,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "Username and password are required.")
		return
	}

	ip := clientIP(r)
	ctx := r.Context()

	// Lockout check before touching credentials. A durable-log outage is a
	// hard failure: without the authoritative signal we can neither safely
	// allow nor deny.
	retryAfter, err := a.limiter.Check(ctx, ip, username)
	if err != nil {
		a.writeInternalError(w, r, err)
		return
	}
	if retryAfter > 0 {
		obs.CountLogin("locked")
		obs.CountRateLimited("login")
		_ = a.audit.Record(ctx, audit.Entry{
			Action:       "auth.login.locked",
			ResourceType: "account",
			NewValues:    map[string]any{"username": username},
			IP:           ip,
			Severity:     audit.SeverityWarning,
		})
		writeRateLimited(w, r, retryAfter, "Too many failed login attempts. Please try again later.")
		return
	}

	account, err := a.accounts.FindByUsername(ctx, username)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		a.failLogin(w, r, ip, username)
		return
	case err != nil:
		a.writeInternalError(w, r, err)
		return
	}

	if err := auth.VerifyPassword(account.PasswordHash, req.Password); err != nil {
		a.failLogin(w, r, ip, username)
		return
	}
	if !account.Active {
		_ = a.audit.Record(ctx, audit.Entry{
			ActorID:      account.ID,
			Action:       "auth.login.deactivated",
			ResourceType: "account",
			ResourceID:   account.ID,
			IP:           ip,
			Severity:     audit.SeverityWarning,
		})
		writeError(w, r, http.StatusUnauthorized, "Account is deactivated.")
		return
	}

	a.limiter.RecordSuccess(ctx, ip, username)

	accessToken, accessExp, err := a.issuer.IssueAccessToken(account.ID, account.Role)
	if err != nil {
		a.writeInternalError(w, r, err)
		return
	}
	refreshToken, jti, refreshExp, err := a.issuer.IssueRefreshToken(account.ID, account.Role)
	if err != nil {
		a.writeInternalError(w, r, err)
		return
	}
	if err := a.refreshTokens.Create(ctx, &auth.RefreshToken{
		JTI:       jti,
		AccountID: account.ID,
		ExpiresAt: refreshExp,
	}); err != nil {
		a.writeInternalError(w, r, err)
		return
	}

	obs.CountLogin("success")
	_ = a.audit.Record(ctx, audit.Entry{
		ActorID:      account.ID,
		Action:       "auth.login",
		ResourceType: "account",
		ResourceID:   account.ID,
		IP:           ip,
	})

	writeJSON(w, http.StatusOK, sessionResponse{
		Success:      true,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    accessExp,
		Account:      account,
	})
}

// failLogin is the shared wrong-credentials path: count the failure, and if
// this failure is the one that trips the threshold, answer with the lockout
// instead of a plain 401.
func (a *API) failLogin(w http.ResponseWriter, r *http.Request, ip, username string) {
	ctx := r.Context()
	blockedFor := a.limiter.RecordFailure(ctx, ip, username)
	obs.CountLogin("failure")
	_ = a.audit.Record(ctx, audit.Entry{
		Action:       "auth.login.failed",
		ResourceType: "account",
		NewValues:    map[string]any{"username": username},
		IP:           ip,
		Severity:     audit.SeverityWarning,
	})
	if blockedFor > 0 {
		obs.CountRateLimited("login")
		writeRateLimited(w, r, blockedFor, "Too many failed login attempts. Please try again later.")
		return
	}
	writeError(w, r, http.StatusUnauthorized, "Invalid credentials.")
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	claims, err := a.issuer.Verify(req.RefreshToken, auth.TokenKindRefresh)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			writeError(w, r, http.StatusUnauthorized, "Token expired.")
		case errors.Is(err, auth.ErrTokenKindMismatch):
			writeError(w, r, http.StatusUnauthorized, "Invalid token type.")
		default:
			writeError(w, r, http.StatusUnauthorized, "Invalid token.")
		}
		return
	}

	ctx := r.Context()
	stored, err := a.refreshTokens.Find(ctx, claims.ID)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusUnauthorized, "Invalid token.")
		return
	case err != nil:
		a.writeInternalError(w, r, err)
		return
	}
	if stored.Revoked {
		writeError(w, r, http.StatusUnauthorized, "Token revoked.")
		return
	}

	account, err := a.accounts.Find(ctx, claims.Subject)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusUnauthorized, "Invalid token.")
		return
	case err != nil:
		a.writeInternalError(w, r, err)
		return
	}
	if !account.Active {
		writeError(w, r, http.StatusUnauthorized, "Account is deactivated.")
		return
	}

	// Rotate: the presented refresh token is spent either way.
	if err := a.refreshTokens.Revoke(ctx, claims.ID); err != nil {
		a.writeInternalError(w, r, err)
		return
	}
	accessToken, accessExp, err := a.issuer.IssueAccessToken(account.ID, account.Role)
	if err != nil {
		a.writeInternalError(w, r, err)
		return
	}
	refreshToken, jti, refreshExp, err := a.issuer.IssueRefreshToken(account.ID, account.Role)
	if err != nil {
		a.writeInternalError(w, r, err)
		return
	}
	if err := a.refreshTokens.Create(ctx, &auth.RefreshToken{
		JTI:       jti,
		AccountID: account.ID,
		ExpiresAt: refreshExp,
	}); err != nil {
		a.writeInternalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Success:      true,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    accessExp,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := a.identity(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	var req logoutRequest
	// Body is optional: without a refresh token every session is revoked.
	_ = decodeJSON(w, r, &req)

	if req.RefreshToken != "" {
		if claims, err := a.issuer.Verify(req.RefreshToken, auth.TokenKindRefresh); err == nil && claims.Subject == id.ID {
			if err := a.refreshTokens.Revoke(ctx, claims.ID); err != nil {
				a.writeInternalError(w, r, err)
				return
			}
		}
	} else if err := a.refreshTokens.RevokeByAccount(ctx, id.ID); err != nil {
		a.writeInternalError(w, r, err)
		return
	}

	_ = a.audit.Record(ctx, audit.Entry{
		ActorID:      id.ID,
		Action:       "auth.logout",
		ResourceType: "account",
		ResourceID:   id.ID,
		IP:           clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	account, err := a.accounts.Find(r.Context(), id.ID)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	permissions := []string{}
	if id.Role != auth.RoleAdmin {
		for code := range a.perms.Permissions(r.Context(), id.Role) {
			permissions = append(permissions, code)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"account":     account,
		"permissions": permissions,
	})
}

package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"unitedexchange.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Routes reachable without a session. The root path only serves 404.
var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/login",
	"/v1/auth/refresh",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// withAuth establishes the request identity: extract the bearer token, verify
// it as an access token, re-check that the account still exists and is
// active, and attach the identity to the context. The active-flag check runs
// on every request so a deactivation takes effect immediately instead of
// waiting out the token expiry.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := extractBearerToken(r.Header.Get(authHeader))
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "Access denied. No token provided.")
			return
		}

		claims, err := a.issuer.Verify(token, auth.TokenKindAccess)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				// Distinguishable so clients refresh instead of re-login.
				writeError(w, r, http.StatusUnauthorized, "Token expired.")
			case errors.Is(err, auth.ErrTokenKindMismatch):
				writeError(w, r, http.StatusUnauthorized, "Invalid token type.")
			default:
				writeError(w, r, http.StatusUnauthorized, "Invalid token.")
			}
			return
		}

		account, err := a.accounts.Find(r.Context(), claims.Subject)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				writeError(w, r, http.StatusUnauthorized, "Invalid token.")
				return
			}
			// Storage down: neither allow nor deny is safe.
			a.writeInternalError(w, r, err)
			return
		}
		if !account.Active {
			writeError(w, r, http.StatusUnauthorized, "Account is deactivated.")
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), auth.Identity{
			ID:       account.ID,
			Username: account.Username,
			FullName: account.FullName,
			Role:     account.Role,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	return token, token != ""
}

// identity returns the authenticated principal, writing a 401 when the
// authentication gate did not run. Callers must return on !ok.
func (a *API) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "Access denied. No token provided.")
	}
	return id, ok
}

// ensureRole passes when the caller's role is in the allow list.
func (a *API) ensureRole(w http.ResponseWriter, r *http.Request, roles ...auth.Role) (auth.Identity, bool) {
	id, ok := a.identity(w, r)
	if !ok {
		return auth.Identity{}, false
	}
	for _, role := range roles {
		if id.Role == role {
			return id, true
		}
	}
	writeError(w, r, http.StatusForbidden, "Access denied. Insufficient role.")
	return auth.Identity{}, false
}

// ensurePermission passes when the caller's role holds at least one of the
// codes. Admin bypasses the permission table entirely.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, codes ...string) (auth.Identity, bool) {
	id, ok := a.identity(w, r)
	if !ok {
		return auth.Identity{}, false
	}
	if id.Role == auth.RoleAdmin {
		return id, true
	}
	if a.perms.HasAny(r.Context(), id.Role, codes...) {
		return id, true
	}
	writeError(w, r, http.StatusForbidden, "Access denied. Insufficient permissions.")
	return auth.Identity{}, false
}

// RequireRole is the middleware form of the role check, for callers composing
// their own handler chains.
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, r, http.StatusUnauthorized, "Access denied. No token provided.")
				return
			}
			for _, role := range roles {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, r, http.StatusForbidden, "Access denied. Insufficient role.")
		})
	}
}

// RequirePermission is the middleware form of the permission check.
func (a *API) RequirePermission(codes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := a.ensurePermission(w, r, codes...); !ok {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

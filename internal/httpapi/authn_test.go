package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"unitedexchange.org/internal/auth"
)

func TestAuthMissingToken(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/v1/auth/me", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["message"] != "Access denied. No token provided." {
		t.Fatalf("unexpected message: %v", body["message"])
	}
}

func TestAuthExpiredTokenIsDistinguishable(t *testing.T) {
	env := newTestEnv(t)
	account := env.addAccount(t, "alice", "pw-alice-1", auth.RoleTeller, true)

	// Same secret, clock two hours in the past: the minted token is long
	// expired by the time the server verifies it.
	past, err := auth.NewIssuer("test-signing-secret", auth.WithClock(func() time.Time {
		return time.Now().Add(-2 * time.Hour)
	}))
	if err != nil {
		t.Fatal(err)
	}
	expired, _, err := past.IssueAccessToken(account.ID, account.Role)
	if err != nil {
		t.Fatal(err)
	}

	rr := env.do(t, http.MethodGet, "/v1/auth/me", expired, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if msg := decodeBody(t, rr)["message"]; msg != "Token expired." {
		t.Fatalf("expected expired-specific message, got %v", msg)
	}

	rr = env.do(t, http.MethodGet, "/v1/auth/me", "garbage.token.value", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if msg := decodeBody(t, rr)["message"]; msg == "Token expired." {
		t.Fatalf("malformed token must not look expired")
	}
}

func TestAuthRejectsRefreshTokenOnProtectedRoute(t *testing.T) {
	env := newTestEnv(t)
	account := env.addAccount(t, "alice", "pw-alice-1", auth.RoleTeller, true)

	refreshToken, _, _, err := env.issuer.IssueRefreshToken(account.ID, account.Role)
	if err != nil {
		t.Fatal(err)
	}
	rr := env.do(t, http.MethodGet, "/v1/auth/me", refreshToken, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if msg := decodeBody(t, rr)["message"]; msg != "Invalid token type." {
		t.Fatalf("expected kind-mismatch message, got %v", msg)
	}
}

func TestDeactivationTakesEffectImmediately(t *testing.T) {
	env := newTestEnv(t)
	account := env.addAccount(t, "alice", "pw-alice-1", auth.RoleTeller, true)
	token := env.accessToken(t, account)

	rr := env.do(t, http.MethodGet, "/v1/auth/me", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 before deactivation, got %d", rr.Code)
	}

	env.accounts.setActive(account.ID, false)

	// Same still-unexpired token, very next request.
	rr = env.do(t, http.MethodGet, "/v1/auth/me", token, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after deactivation, got %d", rr.Code)
	}
	if msg := decodeBody(t, rr)["message"]; msg != "Account is deactivated." {
		t.Fatalf("unexpected message: %v", msg)
	}
}

func TestAdminBypassesPermissionTable(t *testing.T) {
	env := newTestEnv(t)
	admin := env.addAccount(t, "root", "pw-root-1", auth.RoleAdmin, true)
	token := env.accessToken(t, admin)

	// No role_permissions rows exist at all; admin still passes every
	// permission-gated route.
	rr := env.do(t, http.MethodGet, "/v1/rates", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (%s)", rr.Code, rr.Body.String())
	}

	// And for a code that exists nowhere in the permission table.
	handler := env.api.RequirePermission("no_such_permission_code")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), auth.Identity{
		ID: admin.ID, Username: admin.Username, Role: admin.Role,
	}))
	probe := httptest.NewRecorder()
	handler.ServeHTTP(probe, req)
	if probe.Code != http.StatusOK {
		t.Fatalf("admin must pass unknown permission codes, got %d", probe.Code)
	}
}

func TestPermissionAnyOfSemantics(t *testing.T) {
	env := newTestEnv(t)
	teller := env.addAccount(t, "tina", "pw-tina-1", auth.RoleTeller, true)
	token := env.accessToken(t, teller)

	if err := env.perms.SetForRole(context.Background(), auth.RoleTeller, []string{"manage_currencies"}); err != nil {
		t.Fatal(err)
	}

	// GET /v1/currencies requires any of {view_rates, manage_currencies};
	// holding only the second is enough.
	rr := env.do(t, http.MethodGet, "/v1/currencies", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with one of two codes, got %d (%s)", rr.Code, rr.Body.String())
	}

	// view_transactions is held by neither.
	rr = env.do(t, http.MethodGet, "/v1/transactions", token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without any required code, got %d", rr.Code)
	}
}

func TestRoleCheckForbidsOtherRoles(t *testing.T) {
	env := newTestEnv(t)
	viewer := env.addAccount(t, "vera", "pw-vera-1", auth.RoleViewer, true)
	token := env.accessToken(t, viewer)

	rr := env.do(t, http.MethodGet, "/v1/admin/accounts", token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", rr.Code, rr.Body.String())
	}
}

func TestPermissionChangeInvalidatesCache(t *testing.T) {
	env := newTestEnv(t)
	admin := env.addAccount(t, "root", "pw-root-1", auth.RoleAdmin, true)
	teller := env.addAccount(t, "tina", "pw-tina-1", auth.RoleTeller, true)
	adminToken := env.accessToken(t, admin)
	tellerToken := env.accessToken(t, teller)

	// Warm the cache with an empty teller permission set.
	rr := env.do(t, http.MethodGet, "/v1/rates", tellerToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 before grant, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPut, "/v1/admin/permissions", adminToken, map[string]any{
		"role":  "teller",
		"codes": []string{"view_rates"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("set permissions: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}

	// No TTL wait: the mutation invalidated the cache.
	rr = env.do(t, http.MethodGet, "/v1/rates", tellerToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 after grant, got %d (%s)", rr.Code, rr.Body.String())
	}
}

func TestPermissionCheckServesStaleOnStorageOutage(t *testing.T) {
	env := newTestEnv(t)
	teller := env.addAccount(t, "tina", "pw-tina-1", auth.RoleTeller, true)
	token := env.accessToken(t, teller)

	if err := env.perms.SetForRole(context.Background(), auth.RoleTeller, []string{"view_rates"}); err != nil {
		t.Fatal(err)
	}
	rr := env.do(t, http.MethodGet, "/v1/rates", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	// Storage goes down. The warmed cache keeps serving the request even
	// though every reload attempt now fails.
	env.perms.mu.Lock()
	env.perms.err = errors.New("connection refused")
	env.perms.mu.Unlock()

	rr = env.do(t, http.MethodGet, "/v1/rates", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from stale cache during outage, got %d (%s)", rr.Code, rr.Body.String())
	}
}

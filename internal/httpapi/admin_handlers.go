package httpapi

import (
	"net/http"
	"strings"

	"unitedexchange.org/internal/audit"
	"unitedexchange.org/internal/auth"
	"unitedexchange.org/internal/ids"
)

type accountRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
	Password string `json:"password"`
	Active   *bool  `json:"active"`
}

func (a *API) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "manage_accounts"); !ok {
			return
		}
		accounts, err := a.accounts.List(r.Context())
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "accounts": accounts})

	case http.MethodPost:
		actor, ok := a.ensurePermission(w, r, "manage_accounts")
		if !ok {
			return
		}
		var req accountRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := auth.ParseRole(req.Role)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "Unknown role.")
			return
		}
		username := strings.TrimSpace(req.Username)
		if username == "" || req.Password == "" {
			writeError(w, r, http.StatusBadRequest, "Username and password are required.")
			return
		}
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "Invalid password.")
			return
		}
		account := &auth.Account{
			ID:           ids.New(),
			Username:     username,
			Email:        strings.TrimSpace(req.Email),
			FullName:     strings.TrimSpace(req.FullName),
			Role:         role,
			Active:       req.Active == nil || *req.Active,
			PasswordHash: hash,
		}
		if err := a.accounts.Create(r.Context(), account); err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		_ = a.audit.Record(r.Context(), audit.Entry{
			ActorID:      actor.ID,
			Action:       "account.create",
			ResourceType: "account",
			ResourceID:   account.ID,
			NewValues:    map[string]any{"username": account.Username, "role": account.Role, "active": account.Active},
			IP:           clientIP(r),
			Severity:     audit.SeverityWarning,
		})
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "account": account})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleAccountByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/admin/accounts/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "Not found.")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "manage_accounts"); !ok {
			return
		}
		account, err := a.accounts.Find(r.Context(), id)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "account": account})

	case http.MethodPatch:
		actor, ok := a.ensurePermission(w, r, "manage_accounts")
		if !ok {
			return
		}
		var req accountRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		account, err := a.accounts.Find(r.Context(), id)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		old := map[string]any{"role": account.Role, "active": account.Active}

		if req.Email != "" {
			account.Email = strings.TrimSpace(req.Email)
		}
		if req.FullName != "" {
			account.FullName = strings.TrimSpace(req.FullName)
		}
		if req.Role != "" {
			role, err := auth.ParseRole(req.Role)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "Unknown role.")
				return
			}
			account.Role = role
		}
		if req.Password != "" {
			hash, err := auth.HashPassword(req.Password)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "Invalid password.")
				return
			}
			account.PasswordHash = hash
		}
		if req.Active != nil {
			account.Active = *req.Active
		}
		if err := a.accounts.Update(r.Context(), account); err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		// Deactivation also kills outstanding refresh tokens, so the session
		// cannot be resurrected through the refresh endpoint.
		if req.Active != nil && !*req.Active {
			if err := a.refreshTokens.RevokeByAccount(r.Context(), account.ID); err != nil {
				a.writeInternalError(w, r, err)
				return
			}
		}
		_ = a.audit.Record(r.Context(), audit.Entry{
			ActorID:      actor.ID,
			Action:       "account.update",
			ResourceType: "account",
			ResourceID:   account.ID,
			OldValues:    old,
			NewValues:    map[string]any{"role": account.Role, "active": account.Active},
			IP:           clientIP(r),
			Severity:     audit.SeverityWarning,
		})
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "account": account})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
	}
}

type permissionsRequest struct {
	Role  string   `json:"role"`
	Codes []string `json:"codes"`
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "manage_permissions"); !ok {
			return
		}
		pairs, err := a.permStore.LoadAll(r.Context())
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		byRole := map[auth.Role][]string{}
		for _, p := range pairs {
			byRole[p.Role] = append(byRole[p.Role], p.Code)
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "permissions": byRole})

	case http.MethodPut:
		actor, ok := a.ensurePermission(w, r, "manage_permissions")
		if !ok {
			return
		}
		var req permissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := auth.ParseRole(req.Role)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "Unknown role.")
			return
		}
		codes := make([]string, 0, len(req.Codes))
		for _, code := range req.Codes {
			code = strings.TrimSpace(code)
			if code != "" {
				codes = append(codes, code)
			}
		}
		if err := a.permStore.SetForRole(r.Context(), role, codes); err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		// Assignments changed: the cache must not serve the old matrix for
		// up to a TTL.
		a.perms.Invalidate()
		_ = a.audit.Record(r.Context(), audit.Entry{
			ActorID:      actor.ID,
			Action:       "permissions.set",
			ResourceType: "role",
			ResourceID:   string(role),
			NewValues:    map[string]any{"codes": codes},
			IP:           clientIP(r),
			Severity:     audit.SeverityWarning,
		})
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

// Package httpapi is the HTTP surface of the service: route wiring, the
// authentication and authorization middleware, and the JSON handlers.
package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"unitedexchange.org/internal/audit"
	"unitedexchange.org/internal/auth"
	"unitedexchange.org/internal/exchange"
	"unitedexchange.org/internal/obs"
	"unitedexchange.org/internal/ratelimit"
)

// ReadyProbe reports whether the service can serve traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the dependencies the API needs. All fields except Version
// and ReadyProbe are required.
type Config struct {
	Version    string
	ReadyProbe ReadyProbe

	Issuer        *auth.Issuer
	Accounts      auth.AccountStore
	Permissions   auth.PermissionStore
	PermCache     *auth.PermissionCache
	RefreshTokens auth.RefreshTokenStore
	LoginLimiter  *ratelimit.LoginLimiter
	Audit         *audit.Recorder
	Exchange      *exchange.Service

	// ExposeErrors includes internal error details in 500 bodies. Keep it
	// off outside development.
	ExposeErrors bool
}

// API is the HTTP layer.
type API struct {
	mux           *http.ServeMux
	version       string
	readyProbe    ReadyProbe
	issuer        *auth.Issuer
	accounts      auth.AccountStore
	permStore     auth.PermissionStore
	perms         *auth.PermissionCache
	refreshTokens auth.RefreshTokenStore
	limiter       *ratelimit.LoginLimiter
	audit         *audit.Recorder
	exchange      *exchange.Service
	exposeErrors  bool
}

// New wires the routes and returns the API.
func New(cfg Config) (*API, error) {
	switch {
	case cfg.Issuer == nil:
		return nil, errors.New("httpapi: issuer is required")
	case cfg.Accounts == nil:
		return nil, errors.New("httpapi: account store is required")
	case cfg.Permissions == nil:
		return nil, errors.New("httpapi: permission store is required")
	case cfg.PermCache == nil:
		return nil, errors.New("httpapi: permission cache is required")
	case cfg.RefreshTokens == nil:
		return nil, errors.New("httpapi: refresh token store is required")
	case cfg.LoginLimiter == nil:
		return nil, errors.New("httpapi: login limiter is required")
	case cfg.Audit == nil:
		return nil, errors.New("httpapi: audit recorder is required")
	case cfg.Exchange == nil:
		return nil, errors.New("httpapi: exchange service is required")
	}

	a := &API{
		mux:           http.NewServeMux(),
		version:       cfg.Version,
		readyProbe:    cfg.ReadyProbe,
		issuer:        cfg.Issuer,
		accounts:      cfg.Accounts,
		permStore:     cfg.Permissions,
		perms:         cfg.PermCache,
		refreshTokens: cfg.RefreshTokens,
		limiter:       cfg.LoginLimiter,
		audit:         cfg.Audit,
		exchange:      cfg.Exchange,
		exposeErrors:  cfg.ExposeErrors,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.handleHealthz)
	a.mux.HandleFunc("/readyz", a.handleReady)
	a.mux.HandleFunc("/v1/info", a.handleInfo)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// session lifecycle
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/me", a.handleMe)

	// exchange domain
	a.mux.HandleFunc("/v1/currencies", a.handleCurrencies)
	a.mux.HandleFunc("/v1/currencies/", a.handleCurrencyByCode)
	a.mux.HandleFunc("/v1/rates", a.handleRates)
	a.mux.HandleFunc("/v1/transactions", a.handleTransactions)
	a.mux.HandleFunc("/v1/transactions/", a.handleTransactionByID)
	a.mux.HandleFunc("/v1/customers", a.handleCustomers)
	a.mux.HandleFunc("/v1/customers/", a.handleCustomerByID)
	a.mux.HandleFunc("/v1/shifts", a.handleShifts)
	a.mux.HandleFunc("/v1/shifts/", a.handleShiftAction)
	a.mux.HandleFunc("/v1/reports/daily", a.handleDailyReport)

	// administration
	a.mux.HandleFunc("/v1/admin/accounts", a.handleAccounts)
	a.mux.HandleFunc("/v1/admin/accounts/", a.handleAccountByID)
	a.mux.HandleFunc("/v1/admin/permissions", a.handlePermissions)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "Not found.")
	})

	return a, nil
}

// Handler assembles the middleware chain around the mux. Order matters:
// instrumentation and request IDs wrap everything, authentication runs after
// the transport-level limits.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 100, 100.0/60.0)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"unitedexchange.org/internal/audit"
	"unitedexchange.org/internal/auth"
	"unitedexchange.org/internal/exchange"
	"unitedexchange.org/internal/ids"
	"unitedexchange.org/internal/ratelimit"
)

// --- in-memory fakes -------------------------------------------------------

type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*auth.Account
}

func newMemAccounts() *memAccounts {
	return &memAccounts{accounts: map[string]*auth.Account{}}
}

func (m *memAccounts) Find(ctx context.Context, id string) (*auth.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (m *memAccounts) FindByUsername(ctx context.Context, username string) (*auth.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if strings.EqualFold(a.Username, username) {
			clone := *a
			return &clone, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *memAccounts) Create(ctx context.Context, a *auth.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; ok {
		return auth.ErrConflict
	}
	clone := *a
	m.accounts[a.ID] = &clone
	return nil
}

func (m *memAccounts) Update(ctx context.Context, a *auth.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; !ok {
		return auth.ErrNotFound
	}
	clone := *a
	m.accounts[a.ID] = &clone
	return nil
}

func (m *memAccounts) List(ctx context.Context) ([]*auth.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*auth.Account
	for _, a := range m.accounts {
		clone := *a
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memAccounts) setActive(id string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.Active = active
	}
}

type memPermissions struct {
	mu    sync.Mutex
	perms map[auth.Role][]string
	err   error
}

func newMemPermissions() *memPermissions {
	return &memPermissions{perms: map[auth.Role][]string{}}
}

func (m *memPermissions) LoadAll(ctx context.Context) ([]auth.RolePermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []auth.RolePermission
	for role, codes := range m.perms {
		for _, code := range codes {
			out = append(out, auth.RolePermission{Role: role, Code: code})
		}
	}
	return out, nil
}

func (m *memPermissions) SetForRole(ctx context.Context, role auth.Role, codes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.perms[role] = append([]string(nil), codes...)
	return nil
}

type memRefreshTokens struct {
	mu     sync.Mutex
	tokens map[string]*auth.RefreshToken
}

func newMemRefreshTokens() *memRefreshTokens {
	return &memRefreshTokens{tokens: map[string]*auth.RefreshToken{}}
}

func (m *memRefreshTokens) Create(ctx context.Context, tok *auth.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *tok
	m.tokens[tok.JTI] = &clone
	return nil
}

func (m *memRefreshTokens) Find(ctx context.Context, jti string) (*auth.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[jti]
	if !ok {
		return nil, auth.ErrNotFound
	}
	clone := *tok
	return &clone, nil
}

func (m *memRefreshTokens) Revoke(ctx context.Context, jti string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.tokens[jti]; ok {
		tok.Revoked = true
	}
	return nil
}

func (m *memRefreshTokens) RevokeByAccount(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range m.tokens {
		if tok.AccountID == accountID {
			tok.Revoked = true
		}
	}
	return nil
}

type attemptRow struct {
	username string
	ip       string
	success  bool
	at       time.Time
}

type memAttemptLog struct {
	mu   sync.Mutex
	rows []attemptRow
}

func (m *memAttemptLog) Append(ctx context.Context, username, ip string, success bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, attemptRow{username: username, ip: ip, success: success, at: at})
	return nil
}

func (m *memAttemptLog) CountRecentFailures(ctx context.Context, username, ip string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-window)
	var lastSuccess time.Time
	for _, row := range m.rows {
		if row.success && (row.username == username || row.ip == ip) && row.at.After(lastSuccess) {
			lastSuccess = row.at
		}
	}
	count := 0
	for _, row := range m.rows {
		if row.success || (row.username != username && row.ip != ip) {
			continue
		}
		if row.at.After(cutoff) && row.at.After(lastSuccess) {
			count++
		}
	}
	return count, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (m *memAudit) Append(ctx context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *e
	m.entries = append(m.entries, &clone)
	return nil
}

type memExchange struct {
	mu         sync.Mutex
	currencies map[string]exchange.Currency
	rates      map[string]exchange.Rate
	txs        []exchange.Transaction
	customers  map[string]exchange.Customer
	shifts     map[string]exchange.Shift
}

func newMemExchange() *memExchange {
	return &memExchange{
		currencies: map[string]exchange.Currency{},
		rates:      map[string]exchange.Rate{},
		customers:  map[string]exchange.Customer{},
		shifts:     map[string]exchange.Shift{},
	}
}

func (m *memExchange) CreateCurrency(ctx context.Context, c *exchange.Currency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.currencies[c.Code]; ok {
		return exchange.ErrConflict
	}
	m.currencies[c.Code] = *c
	return nil
}

func (m *memExchange) ListCurrencies(ctx context.Context, includeInactive bool) ([]exchange.Currency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []exchange.Currency
	for _, c := range m.currencies {
		if c.Active || includeInactive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memExchange) GetCurrency(ctx context.Context, code string) (exchange.Currency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.currencies[code]
	if !ok {
		return exchange.Currency{}, exchange.ErrNotFound
	}
	return c, nil
}

func (m *memExchange) UpdateCurrency(ctx context.Context, c *exchange.Currency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.currencies[c.Code]; !ok {
		return exchange.ErrNotFound
	}
	m.currencies[c.Code] = *c
	return nil
}

func (m *memExchange) UpsertRate(ctx context.Context, r *exchange.Rate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[r.Base+"/"+r.Quote] = *r
	return nil
}

func (m *memExchange) ListCurrentRates(ctx context.Context) ([]exchange.Rate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []exchange.Rate
	for _, r := range m.rates {
		out = append(out, r)
	}
	return out, nil
}

func (m *memExchange) CurrentRate(ctx context.Context, base, quote string) (exchange.Rate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rates[base+"/"+quote]
	if !ok {
		return exchange.Rate{}, exchange.ErrNotFound
	}
	return r, nil
}

func (m *memExchange) CreateTransaction(ctx context.Context, t *exchange.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = append(m.txs, *t)
	return nil
}

func (m *memExchange) GetTransaction(ctx context.Context, id string) (exchange.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txs {
		if t.ID == id {
			return t, nil
		}
	}
	return exchange.Transaction{}, exchange.ErrNotFound
}

func (m *memExchange) ListTransactions(ctx context.Context, f exchange.TransactionFilter) ([]exchange.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]exchange.Transaction(nil), m.txs...), nil
}

func (m *memExchange) DailySummary(ctx context.Context, day time.Time) (exchange.DailySummary, error) {
	return exchange.DailySummary{Date: day}, nil
}

func (m *memExchange) CreateCustomer(ctx context.Context, c *exchange.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[c.ID] = *c
	return nil
}

func (m *memExchange) GetCustomer(ctx context.Context, id string) (exchange.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return exchange.Customer{}, exchange.ErrNotFound
	}
	return c, nil
}

func (m *memExchange) ListCustomers(ctx context.Context, search string, limit int) ([]exchange.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []exchange.Customer
	for _, c := range m.customers {
		out = append(out, c)
	}
	return out, nil
}

func (m *memExchange) UpdateCustomer(ctx context.Context, c *exchange.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.customers[c.ID]; !ok {
		return exchange.ErrNotFound
	}
	m.customers[c.ID] = *c
	return nil
}

func (m *memExchange) OpenShift(ctx context.Context, s *exchange.Shift) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shifts[s.ID] = *s
	return nil
}

func (m *memExchange) CloseShift(ctx context.Context, id string, closingBalance int64, closedAt time.Time) (exchange.Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shifts[id]
	if !ok {
		return exchange.Shift{}, exchange.ErrNotFound
	}
	if s.ClosedAt != nil {
		return exchange.Shift{}, exchange.ErrShiftClosed
	}
	s.ClosingBalance = closingBalance
	s.ClosedAt = &closedAt
	m.shifts[id] = s
	return s, nil
}

func (m *memExchange) FindOpenShift(ctx context.Context, tellerID string) (exchange.Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.shifts {
		if s.TellerID == tellerID && s.ClosedAt == nil {
			return s, nil
		}
	}
	return exchange.Shift{}, exchange.ErrNotFound
}

func (m *memExchange) ListShifts(ctx context.Context, tellerID string, limit int) ([]exchange.Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []exchange.Shift
	for _, s := range m.shifts {
		if tellerID == "" || s.TellerID == tellerID {
			out = append(out, s)
		}
	}
	return out, nil
}

// --- environment -----------------------------------------------------------

type testEnv struct {
	api      *API
	handler  http.Handler
	issuer   *auth.Issuer
	accounts *memAccounts
	perms    *memPermissions
	cache    *auth.PermissionCache
	refresh  *memRefreshTokens
	attempts *memAttemptLog
	audits   *memAudit
	store    *memExchange
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	issuer, err := auth.NewIssuer("test-signing-secret")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	accounts := newMemAccounts()
	perms := newMemPermissions()
	cache := auth.NewPermissionCache(perms)
	refresh := newMemRefreshTokens()
	attempts := &memAttemptLog{}
	limiter := ratelimit.NewLoginLimiter(attempts)
	t.Cleanup(limiter.Close)
	audits := &memAudit{}
	store := newMemExchange()
	svc, err := exchange.NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	api, err := New(Config{
		Version:       "test",
		Issuer:        issuer,
		Accounts:      accounts,
		Permissions:   perms,
		PermCache:     cache,
		RefreshTokens: refresh,
		LoginLimiter:  limiter,
		Audit:         audit.NewRecorder(audits),
		Exchange:      svc,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &testEnv{
		api:      api,
		handler:  api.Handler(),
		issuer:   issuer,
		accounts: accounts,
		perms:    perms,
		cache:    cache,
		refresh:  refresh,
		attempts: attempts,
		audits:   audits,
		store:    store,
	}
}

func (e *testEnv) addAccount(t *testing.T, username, password string, role auth.Role, active bool) *auth.Account {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	account := &auth.Account{
		ID:           ids.New(),
		Username:     username,
		Email:        username + "@united.example",
		FullName:     username,
		Role:         role,
		Active:       active,
		PasswordHash: hash,
	}
	if err := e.accounts.Create(context.Background(), account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

func (e *testEnv) accessToken(t *testing.T, account *auth.Account) string {
	t.Helper()
	token, _, err := e.issuer.IssueAccessToken(account.ID, account.Role)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

// --- smoke tests -----------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestUnknownRouteReturnsErrorShape(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/nope", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["success"] != false {
		t.Fatalf("expected success=false, got %v", body)
	}
	if _, ok := body["message"]; !ok {
		t.Fatalf("expected message field, got %v", body)
	}
}

func TestAdminExchangeFlow(t *testing.T) {
	env := newTestEnv(t)
	admin := env.addAccount(t, "root", "s3cret!", auth.RoleAdmin, true)
	token := env.accessToken(t, admin)

	for _, c := range []map[string]any{
		{"code": "USD", "name": "US Dollar", "decimals": 2, "active": true},
		{"code": "EUR", "name": "Euro", "decimals": 2, "active": true},
	} {
		rr := env.do(t, http.MethodPost, "/v1/currencies", token, c)
		if rr.Code != http.StatusCreated {
			t.Fatalf("create currency: expected 201, got %d (%s)", rr.Code, rr.Body.String())
		}
	}

	rr := env.do(t, http.MethodPut, "/v1/rates", token, map[string]any{
		"base": "USD", "quote": "EUR", "buy": 0.9, "sell": 0.95,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("set rate: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/v1/shifts", token, map[string]any{"opening_balance": 100000})
	if rr.Code != http.StatusCreated {
		t.Fatalf("open shift: expected 201, got %d (%s)", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/v1/transactions", token, map[string]any{
		"kind": "buy", "from_currency": "USD", "to_currency": "EUR", "amount_in": 10000,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("record transaction: expected 201, got %d (%s)", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	tx := body["transaction"].(map[string]any)
	if tx["amount_out"].(float64) != 9000 {
		t.Fatalf("expected amount_out 9000, got %v", tx["amount_out"])
	}
}

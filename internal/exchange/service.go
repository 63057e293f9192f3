package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"unitedexchange.org/internal/ids"
)

// Service validates input and applies domain rules on top of a Store.
type Service struct {
	store Store
	now   func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("exchange store is required")
	}
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func normalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("%w: currency code must be 3 letters", ErrInvalidCurrency)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: currency code must be 3 letters", ErrInvalidCurrency)
		}
	}
	return code, nil
}

// CreateCurrency adds a catalog entry.
func (s *Service) CreateCurrency(ctx context.Context, c Currency) (Currency, error) {
	code, err := normalizeCode(c.Code)
	if err != nil {
		return Currency{}, err
	}
	c.Code = code
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return Currency{}, fmt.Errorf("%w: currency name is required", ErrInvalidInput)
	}
	if c.Decimals < 0 || c.Decimals > 8 {
		return Currency{}, fmt.Errorf("%w: decimals must be between 0 and 8", ErrInvalidInput)
	}
	if err := s.store.CreateCurrency(ctx, &c); err != nil {
		return Currency{}, err
	}
	return c, nil
}

// ListCurrencies returns the catalog.
func (s *Service) ListCurrencies(ctx context.Context, includeInactive bool) ([]Currency, error) {
	return s.store.ListCurrencies(ctx, includeInactive)
}

// GetCurrency returns one catalog entry.
func (s *Service) GetCurrency(ctx context.Context, code string) (Currency, error) {
	code, err := normalizeCode(code)
	if err != nil {
		return Currency{}, err
	}
	return s.store.GetCurrency(ctx, code)
}

// UpdateCurrency updates name, symbol, decimals and the active flag.
func (s *Service) UpdateCurrency(ctx context.Context, c Currency) (Currency, error) {
	code, err := normalizeCode(c.Code)
	if err != nil {
		return Currency{}, err
	}
	c.Code = code
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return Currency{}, fmt.Errorf("%w: currency name is required", ErrInvalidInput)
	}
	if err := s.store.UpdateCurrency(ctx, &c); err != nil {
		return Currency{}, err
	}
	return c, nil
}

// SetRate records a new buy/sell quote for a pair, superseding the previous
// quote. Both currencies must exist and be active.
func (s *Service) SetRate(ctx context.Context, r Rate) (Rate, error) {
	base, err := normalizeCode(r.Base)
	if err != nil {
		return Rate{}, err
	}
	quote, err := normalizeCode(r.Quote)
	if err != nil {
		return Rate{}, err
	}
	if base == quote {
		return Rate{}, fmt.Errorf("%w: base and quote must differ", ErrInvalidCurrency)
	}
	if r.Buy <= 0 || r.Sell <= 0 || math.IsNaN(r.Buy) || math.IsNaN(r.Sell) || math.IsInf(r.Buy, 0) || math.IsInf(r.Sell, 0) {
		return Rate{}, fmt.Errorf("%w: rates must be positive", ErrInvalidInput)
	}
	for _, code := range []string{base, quote} {
		cur, err := s.store.GetCurrency(ctx, code)
		if err != nil {
			return Rate{}, err
		}
		if !cur.Active {
			return Rate{}, fmt.Errorf("%w: currency %s is inactive", ErrInvalidCurrency, code)
		}
	}
	r.Base, r.Quote = base, quote
	if r.ID == "" {
		r.ID = ids.New()
	}
	if r.EffectiveAt.IsZero() {
		r.EffectiveAt = s.now().UTC()
	}
	if err := s.store.UpsertRate(ctx, &r); err != nil {
		return Rate{}, err
	}
	return r, nil
}

// ListRates returns the current quote for every pair.
func (s *Service) ListRates(ctx context.Context) ([]Rate, error) {
	return s.store.ListCurrentRates(ctx)
}

// RecordTransaction validates and persists one exchange operation. The
// teller must have an open shift; the rate is resolved from the current quote
// for the pair and the payout amount is derived from it.
func (s *Service) RecordTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	if t.Kind != TransactionBuy && t.Kind != TransactionSell {
		return Transaction{}, fmt.Errorf("%w: kind must be buy or sell", ErrInvalidInput)
	}
	from, err := normalizeCode(t.FromCurrency)
	if err != nil {
		return Transaction{}, err
	}
	to, err := normalizeCode(t.ToCurrency)
	if err != nil {
		return Transaction{}, err
	}
	if from == to {
		return Transaction{}, fmt.Errorf("%w: from and to must differ", ErrInvalidCurrency)
	}
	if t.AmountIn <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	if strings.TrimSpace(t.TellerID) == "" {
		return Transaction{}, fmt.Errorf("%w: teller id is required", ErrInvalidInput)
	}

	shift, err := s.store.FindOpenShift(ctx, t.TellerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Transaction{}, ErrShiftClosed
		}
		return Transaction{}, err
	}
	t.ShiftID = shift.ID

	rate, err := s.store.CurrentRate(ctx, from, to)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Transaction{}, ErrRateUnavailable
		}
		return Transaction{}, err
	}
	applied := rate.Buy
	if t.Kind == TransactionSell {
		applied = rate.Sell
	}
	t.FromCurrency, t.ToCurrency = from, to
	t.Rate = applied
	t.AmountOut = int64(math.Round(float64(t.AmountIn) * applied))
	if t.AmountOut <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	if err := s.store.CreateTransaction(ctx, &t); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// GetTransaction returns one transaction.
func (s *Service) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Transaction{}, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	return s.store.GetTransaction(ctx, id)
}

// ListTransactions returns transactions matching the filter, newest first.
func (s *Service) ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	return s.store.ListTransactions(ctx, f)
}

// DailySummary aggregates one day's transactions per kind and currency.
func (s *Service) DailySummary(ctx context.Context, day time.Time) (DailySummary, error) {
	if day.IsZero() {
		day = s.now().UTC()
	}
	return s.store.DailySummary(ctx, day)
}

// CreateCustomer registers a counterparty.
func (s *Service) CreateCustomer(ctx context.Context, c Customer) (Customer, error) {
	c.FullName = strings.TrimSpace(c.FullName)
	c.DocumentID = strings.TrimSpace(c.DocumentID)
	if c.FullName == "" || c.DocumentID == "" {
		return Customer{}, fmt.Errorf("%w: full name and document id are required", ErrInvalidInput)
	}
	if c.ID == "" {
		c.ID = ids.New()
	}
	if err := s.store.CreateCustomer(ctx, &c); err != nil {
		return Customer{}, err
	}
	return c, nil
}

// GetCustomer returns one customer.
func (s *Service) GetCustomer(ctx context.Context, id string) (Customer, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Customer{}, fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}
	return s.store.GetCustomer(ctx, id)
}

// ListCustomers searches customers by name or document id.
func (s *Service) ListCustomers(ctx context.Context, search string, limit int) ([]Customer, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.ListCustomers(ctx, strings.TrimSpace(search), limit)
}

// UpdateCustomer updates contact details.
func (s *Service) UpdateCustomer(ctx context.Context, c Customer) (Customer, error) {
	c.ID = strings.TrimSpace(c.ID)
	c.FullName = strings.TrimSpace(c.FullName)
	if c.ID == "" || c.FullName == "" {
		return Customer{}, fmt.Errorf("%w: customer id and full name are required", ErrInvalidInput)
	}
	if err := s.store.UpdateCustomer(ctx, &c); err != nil {
		return Customer{}, err
	}
	return c, nil
}

// OpenShift opens a cash-drawer session for the teller. A teller can hold at
// most one open shift.
func (s *Service) OpenShift(ctx context.Context, tellerID string, openingBalance int64) (Shift, error) {
	tellerID = strings.TrimSpace(tellerID)
	if tellerID == "" {
		return Shift{}, fmt.Errorf("%w: teller id is required", ErrInvalidInput)
	}
	if openingBalance < 0 {
		return Shift{}, ErrInvalidAmount
	}
	if _, err := s.store.FindOpenShift(ctx, tellerID); err == nil {
		return Shift{}, ErrShiftOpen
	} else if !errors.Is(err, ErrNotFound) {
		return Shift{}, err
	}
	shift := Shift{
		ID:             ids.New(),
		TellerID:       tellerID,
		OpeningBalance: openingBalance,
		OpenedAt:       s.now().UTC(),
	}
	if err := s.store.OpenShift(ctx, &shift); err != nil {
		return Shift{}, err
	}
	return shift, nil
}

// CloseShift closes the session and records the counted drawer balance.
func (s *Service) CloseShift(ctx context.Context, id string, closingBalance int64) (Shift, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Shift{}, fmt.Errorf("%w: shift id is required", ErrInvalidInput)
	}
	if closingBalance < 0 {
		return Shift{}, ErrInvalidAmount
	}
	return s.store.CloseShift(ctx, id, closingBalance, s.now().UTC())
}

// ListShifts returns recent shifts, optionally for one teller.
func (s *Service) ListShifts(ctx context.Context, tellerID string, limit int) ([]Shift, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.ListShifts(ctx, strings.TrimSpace(tellerID), limit)
}

package exchange

import (
	"context"
	"time"
)

// Store describes the persistence operations required by the exchange domain.
type Store interface {
	CreateCurrency(ctx context.Context, c *Currency) error
	ListCurrencies(ctx context.Context, includeInactive bool) ([]Currency, error)
	GetCurrency(ctx context.Context, code string) (Currency, error)
	UpdateCurrency(ctx context.Context, c *Currency) error

	UpsertRate(ctx context.Context, r *Rate) error
	ListCurrentRates(ctx context.Context) ([]Rate, error)
	CurrentRate(ctx context.Context, base, quote string) (Rate, error)

	CreateTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error)
	DailySummary(ctx context.Context, day time.Time) (DailySummary, error)

	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, id string) (Customer, error)
	ListCustomers(ctx context.Context, search string, limit int) ([]Customer, error)
	UpdateCustomer(ctx context.Context, c *Customer) error

	OpenShift(ctx context.Context, s *Shift) error
	CloseShift(ctx context.Context, id string, closingBalance int64, closedAt time.Time) (Shift, error)
	FindOpenShift(ctx context.Context, tellerID string) (Shift, error)
	ListShifts(ctx context.Context, tellerID string, limit int) ([]Shift, error)
}

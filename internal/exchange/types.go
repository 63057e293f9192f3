// Package exchange holds the currency-exchange back-office domain: the
// currency catalog, buy/sell rates, recorded transactions, customers and
// cash-drawer shifts.
package exchange

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("exchange: not found")
	ErrConflict        = errors.New("exchange: already exists")
	ErrInvalidInput    = errors.New("exchange: invalid input")
	ErrInvalidAmount   = errors.New("exchange: invalid amount")
	ErrInvalidCurrency = errors.New("exchange: invalid currency")
	ErrRateUnavailable = errors.New("exchange: no rate for currency pair")
	ErrShiftOpen       = errors.New("exchange: teller already has an open shift")
	ErrShiftClosed     = errors.New("exchange: shift is closed")
)

// Currency is one entry of the tradable catalog. Amounts everywhere are in
// minor units of their currency.
type Currency struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Symbol    string    `json:"symbol"`
	Decimals  int       `json:"decimals"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Rate is a buy/sell quote for a currency pair, effective from EffectiveAt
// until superseded by a newer quote for the same pair.
type Rate struct {
	ID          string    `json:"id"`
	Base        string    `json:"base"`
	Quote       string    `json:"quote"`
	Buy         float64   `json:"buy"`
	Sell        float64   `json:"sell"`
	EffectiveAt time.Time `json:"effective_at"`
	CreatedBy   string    `json:"created_by,omitempty"`
}

// TransactionKind says which side of the quote the customer took.
type TransactionKind string

const (
	TransactionBuy  TransactionKind = "buy"
	TransactionSell TransactionKind = "sell"
)

// Transaction is one recorded exchange operation.
type Transaction struct {
	ID           string          `json:"id"`
	Kind         TransactionKind `json:"kind"`
	CustomerID   string          `json:"customer_id,omitempty"`
	TellerID     string          `json:"teller_id"`
	ShiftID      string          `json:"shift_id,omitempty"`
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	AmountIn     int64           `json:"amount_in"`
	AmountOut    int64           `json:"amount_out"`
	Rate         float64         `json:"rate"`
	Note         string          `json:"note,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TransactionFilter narrows transaction listings.
type TransactionFilter struct {
	TellerID   string
	CustomerID string
	Currency   string
	From       time.Time
	To         time.Time
	Limit      int
}

// Customer is a counterparty on record.
type Customer struct {
	ID         string    `json:"id"`
	FullName   string    `json:"full_name"`
	DocumentID string    `json:"document_id"`
	Phone      string    `json:"phone,omitempty"`
	Email      string    `json:"email,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Shift is one teller's cash-drawer session. ClosedAt is nil while open.
type Shift struct {
	ID             string     `json:"id"`
	TellerID       string     `json:"teller_id"`
	OpeningBalance int64      `json:"opening_balance"`
	ClosingBalance int64      `json:"closing_balance"`
	OpenedAt       time.Time  `json:"opened_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// SummaryRow aggregates one (kind, currency) bucket of a day's activity.
type SummaryRow struct {
	Kind     TransactionKind `json:"kind"`
	Currency string          `json:"currency"`
	Count    int64           `json:"count"`
	AmountIn int64           `json:"amount_in"`
}

// DailySummary is the per-day transaction report.
type DailySummary struct {
	Date time.Time    `json:"date"`
	Rows []SummaryRow `json:"rows"`
}

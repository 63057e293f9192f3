package pg

import (
	"context"
	"database/sql"
	"time"

	"unitedexchange.org/internal/exchange"
)

// Exchange returns the exchange-domain view of the store.
func (s *Store) Exchange() exchange.Store { return &exchangeStore{db: s.db} }

type exchangeStore struct{ db *sql.DB }

var _ exchange.Store = (*exchangeStore)(nil)

// Currencies ----------------------------------------------------------------

func (s *exchangeStore) CreateCurrency(ctx context.Context, c *exchange.Currency) error {
	_, err := s.db.ExecContext(ctx, `
		insert into currencies(code, name, symbol, decimals, active)
		values ($1, $2, $3, $4, $5)
	`, c.Code, c.Name, c.Symbol, c.Decimals, c.Active)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return exchange.ErrConflict
	}
	return err
}

func (s *exchangeStore) ListCurrencies(ctx context.Context, includeInactive bool) ([]exchange.Currency, error) {
	rows, err := s.db.QueryContext(ctx, `
		select code, name, symbol, decimals, active, created_at, updated_at
		from currencies
		where active or $1
		order by code
	`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []exchange.Currency
	for rows.Next() {
		var c exchange.Currency
		if err := rows.Scan(&c.Code, &c.Name, &c.Symbol, &c.Decimals, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *exchangeStore) GetCurrency(ctx context.Context, code string) (exchange.Currency, error) {
	var c exchange.Currency
	err := s.db.QueryRowContext(ctx, `
		select code, name, symbol, decimals, active, created_at, updated_at
		from currencies
		where code = $1
	`, code).Scan(&c.Code, &c.Name, &c.Symbol, &c.Decimals, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return exchange.Currency{}, exchange.ErrNotFound
	}
	if err != nil {
		return exchange.Currency{}, err
	}
	return c, nil
}

func (s *exchangeStore) UpdateCurrency(ctx context.Context, c *exchange.Currency) error {
	res, err := s.db.ExecContext(ctx, `
		update currencies
		set name = $2, symbol = $3, decimals = $4, active = $5, updated_at = now()
		where code = $1
	`, c.Code, c.Name, c.Symbol, c.Decimals, c.Active)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return exchange.ErrNotFound
	}
	return nil
}

// Rates ---------------------------------------------------------------------

// Rates are append-only: every SetRate inserts a new row and the current
// quote for a pair is the one with the greatest effective_at.

func (s *exchangeStore) UpsertRate(ctx context.Context, r *exchange.Rate) error {
	_, err := s.db.ExecContext(ctx, `
		insert into exchange_rates(id, base, quote, buy, sell, effective_at, created_by)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.Base, r.Quote, r.Buy, r.Sell, r.EffectiveAt, nullIfEmpty(r.CreatedBy))
	return err
}

func (s *exchangeStore) ListCurrentRates(ctx context.Context) ([]exchange.Rate, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct on (base, quote)
			id, base, quote, buy, sell, effective_at, coalesce(created_by, '')
		from exchange_rates
		order by base, quote, effective_at desc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []exchange.Rate
	for rows.Next() {
		var r exchange.Rate
		if err := rows.Scan(&r.ID, &r.Base, &r.Quote, &r.Buy, &r.Sell, &r.EffectiveAt, &r.CreatedBy); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *exchangeStore) CurrentRate(ctx context.Context, base, quote string) (exchange.Rate, error) {
	var r exchange.Rate
	err := s.db.QueryRowContext(ctx, `
		select id, base, quote, buy, sell, effective_at, coalesce(created_by, '')
		from exchange_rates
		where base = $1 and quote = $2
		order by effective_at desc
		limit 1
	`, base, quote).Scan(&r.ID, &r.Base, &r.Quote, &r.Buy, &r.Sell, &r.EffectiveAt, &r.CreatedBy)
	if err == sql.ErrNoRows {
		return exchange.Rate{}, exchange.ErrNotFound
	}
	if err != nil {
		return exchange.Rate{}, err
	}
	return r, nil
}

// Transactions --------------------------------------------------------------

const transactionColumns = `id, kind, coalesce(customer_id, ''), teller_id, coalesce(shift_id, ''),
	from_currency, to_currency, amount_in, amount_out, rate, coalesce(note, ''), created_at`

func scanTransaction(row interface{ Scan(...any) error }) (exchange.Transaction, error) {
	var t exchange.Transaction
	err := row.Scan(&t.ID, &t.Kind, &t.CustomerID, &t.TellerID, &t.ShiftID,
		&t.FromCurrency, &t.ToCurrency, &t.AmountIn, &t.AmountOut, &t.Rate, &t.Note, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return exchange.Transaction{}, exchange.ErrNotFound
	}
	if err != nil {
		return exchange.Transaction{}, err
	}
	return t, nil
}

func (s *exchangeStore) CreateTransaction(ctx context.Context, t *exchange.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		insert into transactions(id, kind, customer_id, teller_id, shift_id,
			from_currency, to_currency, amount_in, amount_out, rate, note, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, t.ID, t.Kind, nullIfEmpty(t.CustomerID), t.TellerID, nullIfEmpty(t.ShiftID),
		t.FromCurrency, t.ToCurrency, t.AmountIn, t.AmountOut, t.Rate, nullIfEmpty(t.Note), t.CreatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return exchange.ErrInvalidInput
	}
	return err
}

func (s *exchangeStore) GetTransaction(ctx context.Context, id string) (exchange.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+transactionColumns+`
		from transactions
		where id = $1
	`, id)
	return scanTransaction(row)
}

func (s *exchangeStore) ListTransactions(ctx context.Context, f exchange.TransactionFilter) ([]exchange.Transaction, error) {
	// Empty filter fields match everything so one statement covers all
	// filter combinations.
	from := f.From
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	to := f.To
	if to.IsZero() {
		to = time.Now().UTC().Add(24 * time.Hour)
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+transactionColumns+`
		from transactions
		where ($1 = '' or teller_id = $1)
		  and ($2 = '' or customer_id = $2)
		  and ($3 = '' or from_currency = $3 or to_currency = $3)
		  and created_at >= $4 and created_at < $5
		order by created_at desc
		limit $6
	`, f.TellerID, f.CustomerID, f.Currency, from, to, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []exchange.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *exchangeStore) DailySummary(ctx context.Context, day time.Time) (exchange.DailySummary, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	rows, err := s.db.QueryContext(ctx, `
		select kind, from_currency, count(*), sum(amount_in)
		from transactions
		where created_at >= $1 and created_at < $2
		group by kind, from_currency
		order by kind, from_currency
	`, start, end)
	if err != nil {
		return exchange.DailySummary{}, err
	}
	defer rows.Close()

	summary := exchange.DailySummary{Date: start}
	for rows.Next() {
		var r exchange.SummaryRow
		if err := rows.Scan(&r.Kind, &r.Currency, &r.Count, &r.AmountIn); err != nil {
			return exchange.DailySummary{}, err
		}
		summary.Rows = append(summary.Rows, r)
	}
	return summary, rows.Err()
}

// Customers -----------------------------------------------------------------

const customerColumns = `id, full_name, document_id, coalesce(phone, ''), coalesce(email, ''), created_at, updated_at`

func scanCustomer(row interface{ Scan(...any) error }) (exchange.Customer, error) {
	var c exchange.Customer
	err := row.Scan(&c.ID, &c.FullName, &c.DocumentID, &c.Phone, &c.Email, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return exchange.Customer{}, exchange.ErrNotFound
	}
	if err != nil {
		return exchange.Customer{}, err
	}
	return c, nil
}

func (s *exchangeStore) CreateCustomer(ctx context.Context, c *exchange.Customer) error {
	_, err := s.db.ExecContext(ctx, `
		insert into customers(id, full_name, document_id, phone, email)
		values ($1, $2, $3, $4, $5)
	`, c.ID, c.FullName, c.DocumentID, nullIfEmpty(c.Phone), nullIfEmpty(c.Email))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return exchange.ErrConflict
	}
	return err
}

func (s *exchangeStore) GetCustomer(ctx context.Context, id string) (exchange.Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+customerColumns+`
		from customers
		where id = $1
	`, id)
	return scanCustomer(row)
}

func (s *exchangeStore) ListCustomers(ctx context.Context, search string, limit int) ([]exchange.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+customerColumns+`
		from customers
		where $1 = '' or full_name ilike '%' || $1 || '%' or document_id = $1
		order by full_name
		limit $2
	`, search, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []exchange.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *exchangeStore) UpdateCustomer(ctx context.Context, c *exchange.Customer) error {
	res, err := s.db.ExecContext(ctx, `
		update customers
		set full_name = $2, phone = $3, email = $4, updated_at = now()
		where id = $1
	`, c.ID, c.FullName, nullIfEmpty(c.Phone), nullIfEmpty(c.Email))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return exchange.ErrNotFound
	}
	return nil
}

// Shifts --------------------------------------------------------------------

func (s *exchangeStore) OpenShift(ctx context.Context, sh *exchange.Shift) error {
	// The partial unique index on (teller_id) where closed_at is null backs
	// up the service-level one-open-shift check under concurrency.
	_, err := s.db.ExecContext(ctx, `
		insert into shifts(id, teller_id, opening_balance, opened_at)
		values ($1, $2, $3, $4)
	`, sh.ID, sh.TellerID, sh.OpeningBalance, sh.OpenedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return exchange.ErrShiftOpen
	}
	return err
}

func (s *exchangeStore) CloseShift(ctx context.Context, id string, closingBalance int64, closedAt time.Time) (exchange.Shift, error) {
	var sh exchange.Shift
	err := s.db.QueryRowContext(ctx, `
		update shifts
		set closing_balance = $2, closed_at = $3
		where id = $1 and closed_at is null
		returning id, teller_id, opening_balance, coalesce(closing_balance, 0), opened_at, closed_at
	`, id, closingBalance, closedAt).Scan(&sh.ID, &sh.TellerID, &sh.OpeningBalance, &sh.ClosingBalance, &sh.OpenedAt, &sh.ClosedAt)
	if err == sql.ErrNoRows {
		// Either the shift does not exist or it is already closed.
		var exists bool
		if checkErr := s.db.QueryRowContext(ctx, `select exists(select 1 from shifts where id = $1)`, id).Scan(&exists); checkErr == nil && exists {
			return exchange.Shift{}, exchange.ErrShiftClosed
		}
		return exchange.Shift{}, exchange.ErrNotFound
	}
	if err != nil {
		return exchange.Shift{}, err
	}
	return sh, nil
}

func (s *exchangeStore) FindOpenShift(ctx context.Context, tellerID string) (exchange.Shift, error) {
	var sh exchange.Shift
	err := s.db.QueryRowContext(ctx, `
		select id, teller_id, opening_balance, coalesce(closing_balance, 0), opened_at, closed_at
		from shifts
		where teller_id = $1 and closed_at is null
	`, tellerID).Scan(&sh.ID, &sh.TellerID, &sh.OpeningBalance, &sh.ClosingBalance, &sh.OpenedAt, &sh.ClosedAt)
	if err == sql.ErrNoRows {
		return exchange.Shift{}, exchange.ErrNotFound
	}
	if err != nil {
		return exchange.Shift{}, err
	}
	return sh, nil
}

func (s *exchangeStore) ListShifts(ctx context.Context, tellerID string, limit int) ([]exchange.Shift, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, teller_id, opening_balance, coalesce(closing_balance, 0), opened_at, closed_at
		from shifts
		where $1 = '' or teller_id = $1
		order by opened_at desc
		limit $2
	`, tellerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []exchange.Shift
	for rows.Next() {
		var sh exchange.Shift
		if err := rows.Scan(&sh.ID, &sh.TellerID, &sh.OpeningBalance, &sh.ClosingBalance, &sh.OpenedAt, &sh.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

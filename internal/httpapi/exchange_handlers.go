package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"unitedexchange.org/internal/audit"
	"unitedexchange.org/internal/exchange"
)

// Currencies -----------------------------------------------------------------

func (a *API) handleCurrencies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "view_rates", "manage_currencies"); !ok {
			return
		}
		includeInactive := r.URL.Query().Get("include_inactive") == "true"
		currencies, err := a.exchange.ListCurrencies(r.Context(), includeInactive)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "currencies": currencies})

	case http.MethodPost:
		id, ok := a.ensurePermission(w, r, "manage_currencies")
		if !ok {
			return
		}
		var c exchange.Currency
		if err := decodeJSON(w, r, &c); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		created, err := a.exchange.CreateCurrency(r.Context(), c)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		_ = a.audit.Record(r.Context(), audit.Entry{
			ActorID:      id.ID,
			Action:       "currency.create",
			ResourceType: "currency",
			ResourceID:   created.Code,
			NewValues:    map[string]any{"name": created.Name, "active": created.Active},
			IP:           clientIP(r),
		})
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "currency": created})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleCurrencyByCode(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimPrefix(r.URL.Path, "/v1/currencies/")
	if code == "" || strings.Contains(code, "/") {
		writeError(w, r, http.StatusNotFound, "Not found.")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "view_rates", "manage_currencies"); !ok {
			return
		}
		c, err := a.exchange.GetCurrency(r.Context(), code)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "currency": c})

	case http.MethodPut:
		id, ok := a.ensurePermission(w, r, "manage_currencies")
		if !ok {
			return
		}
		var c exchange.Currency
		if err := decodeJSON(w, r, &c); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		c.Code = code
		old, err := a.exchange.GetCurrency(r.Context(), code)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		updated, err := a.exchange.UpdateCurrency(r.Context(), c)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		_ = a.audit.Record(r.Context(), audit.Entry{
			ActorID:      id.ID,
			Action:       "currency.update",
			ResourceType: "currency",
			ResourceID:   updated.Code,
			OldValues:    map[string]any{"name": old.Name, "active": old.Active},
			NewValues:    map[string]any{"name": updated.Name, "active": updated.Active},
			IP:           clientIP(r),
		})
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "currency": updated})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

// Rates ----------------------------------------------------------------------

func (a *API) handleRates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "view_rates", "manage_rates"); !ok {
			return
		}
		rates, err := a.exchange.ListRates(r.Context())
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "rates": rates})

	case http.MethodPut:
		id, ok := a.ensurePermission(w, r, "manage_rates")
		if !ok {
			return
		}
		var rate exchange.Rate
		if err := decodeJSON(w, r, &rate); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rate.CreatedBy = id.ID
		set, err := a.exchange.SetRate(r.Context(), rate)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		_ = a.audit.Record(r.Context(), audit.Entry{
			ActorID:      id.ID,
			Action:       "rate.set",
			ResourceType: "rate",
			ResourceID:   set.Base + "/" + set.Quote,
			NewValues:    map[string]any{"buy": set.Buy, "sell": set.Sell},
			IP:           clientIP(r),
		})
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "rate": set})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

// Transactions ---------------------------------------------------------------

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "view_transactions"); !ok {
			return
		}
		q := r.URL.Query()
		filter := exchange.TransactionFilter{
			TellerID:   q.Get("teller_id"),
			CustomerID: q.Get("customer_id"),
			Currency:   q.Get("currency"),
		}
		if v := q.Get("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "Invalid 'from' timestamp.")
				return
			}
			filter.From = t
		}
		if v := q.Get("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "Invalid 'to' timestamp.")
				return
			}
			filter.To = t
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "Invalid limit.")
				return
			}
			filter.Limit = n
		}
		txs, err := a.exchange.ListTransactions(r.Context(), filter)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "transactions": txs})

	case http.MethodPost:
		id, ok := a.ensurePermission(w, r, "create_transactions")
		if !ok {
			return
		}
		var tx exchange.Transaction
		if err := decodeJSON(w, r, &tx); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		// The recording teller is always the caller.
		tx.TellerID = id.ID
		created, err := a.exchange.RecordTransaction(r.Context(), tx)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		_ = a.audit.Record(r.Context(), audit.Entry{
			ActorID:      id.ID,
			Action:       "transaction.create",
			ResourceType: "transaction",
			ResourceID:   created.ID,
			NewValues: map[string]any{
				"kind": created.Kind, "from": created.FromCurrency, "to": created.ToCurrency,
				"amount_in": created.AmountIn, "amount_out": created.AmountOut, "rate": created.Rate,
			},
			IP: clientIP(r),
		})
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "transaction": created})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTransactionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, "view_transactions"); !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	tx, err := a.exchange.GetTransaction(r.Context(), id)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transaction": tx})
}

// Customers ------------------------------------------------------------------

func (a *API) handleCustomers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "view_customers", "manage_customers"); !ok {
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			limit, _ = strconv.Atoi(v)
		}
		customers, err := a.exchange.ListCustomers(r.Context(), r.URL.Query().Get("search"), limit)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "customers": customers})

	case http.MethodPost:
		id, ok := a.ensurePermission(w, r, "manage_customers")
		if !ok {
			return
		}
		var c exchange.Customer
		if err := decodeJSON(w, r, &c); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		created, err := a.exchange.CreateCustomer(r.Context(), c)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		_ = a.audit.Record(r.Context(), audit.Entry{
			ActorID:      id.ID,
			Action:       "customer.create",
			ResourceType: "customer",
			ResourceID:   created.ID,
			NewValues:    map[string]any{"full_name": created.FullName},
			IP:           clientIP(r),
		})
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "customer": created})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleCustomerByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/customers/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "Not found.")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "view_customers", "manage_customers"); !ok {
			return
		}
		c, err := a.exchange.GetCustomer(r.Context(), id)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "customer": c})

	case http.MethodPut:
		actor, ok := a.ensurePermission(w, r, "manage_customers")
		if !ok {
			return
		}
		var c exchange.Customer
		if err := decodeJSON(w, r, &c); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		c.ID = id
		updated, err := a.exchange.UpdateCustomer(r.Context(), c)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		_ = a.audit.Record(r.Context(), audit.Entry{
			ActorID:      actor.ID,
			Action:       "customer.update",
			ResourceType: "customer",
			ResourceID:   updated.ID,
			NewValues:    map[string]any{"full_name": updated.FullName},
			IP:           clientIP(r),
		})
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "customer": updated})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

// Shifts ---------------------------------------------------------------------

type openShiftRequest struct {
	OpeningBalance int64 `json:"opening_balance"`
}

type closeShiftRequest struct {
	ClosingBalance int64 `json:"closing_balance"`
}

func (a *API) handleShifts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, "manage_shifts", "view_reports"); !ok {
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			limit, _ = strconv.Atoi(v)
		}
		shifts, err := a.exchange.ListShifts(r.Context(), r.URL.Query().Get("teller_id"), limit)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "shifts": shifts})

	case http.MethodPost:
		id, ok := a.ensurePermission(w, r, "manage_shifts")
		if !ok {
			return
		}
		var req openShiftRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		shift, err := a.exchange.OpenShift(r.Context(), id.ID, req.OpeningBalance)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		_ = a.audit.Record(r.Context(), audit.Entry{
			ActorID:      id.ID,
			Action:       "shift.open",
			ResourceType: "shift",
			ResourceID:   shift.ID,
			NewValues:    map[string]any{"opening_balance": shift.OpeningBalance},
			IP:           clientIP(r),
		})
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "shift": shift})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleShiftAction serves /v1/shifts/{id}/close.
func (a *API) handleShiftAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/shifts/")
	shiftID, action, found := strings.Cut(rest, "/")
	if !found || action != "close" || shiftID == "" {
		writeError(w, r, http.StatusNotFound, "Not found.")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := a.ensurePermission(w, r, "manage_shifts")
	if !ok {
		return
	}
	var req closeShiftRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	shift, err := a.exchange.CloseShift(r.Context(), shiftID, req.ClosingBalance)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	_ = a.audit.Record(r.Context(), audit.Entry{
		ActorID:      id.ID,
		Action:       "shift.close",
		ResourceType: "shift",
		ResourceID:   shift.ID,
		NewValues:    map[string]any{"closing_balance": shift.ClosingBalance},
		IP:           clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "shift": shift})
}

// Reports --------------------------------------------------------------------

func (a *API) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, "view_reports"); !ok {
		return
	}
	var day time.Time
	if v := r.URL.Query().Get("date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD.")
			return
		}
		day = t
	}
	summary, err := a.exchange.DailySummary(r.Context(), day)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "summary": summary})
}

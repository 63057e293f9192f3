package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"unitedexchange.org/internal/auth"
	"unitedexchange.org/internal/exchange"
)

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "unitedexchange-api",
		"version": a.version,
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "unitedexchange-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the error shape every endpoint uses.
type errorBody struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeJSON(w, code, errorBody{
		Success:   false,
		Message:   message,
		RequestID: requestIDFrom(r),
	})
}

// writeRateLimited is writeError plus the retryAfter hint clients key off.
func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration, message string) {
	seconds := int(retryAfter.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"success":    false,
		"message":    message,
		"retryAfter": seconds,
		"request_id": requestIDFrom(r),
	})
}

func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{
		Success:   false,
		Message:   "Internal server error.",
		RequestID: requestIDFrom(r),
	}
	if a.exposeErrors && err != nil {
		body.Detail = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed.")
}

// writeDomainError maps exchange and auth sentinel errors onto status codes;
// anything unmapped is an internal failure.
func (a *API) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, exchange.ErrNotFound), errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "Not found.")
	case errors.Is(err, exchange.ErrConflict), errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "Already exists.")
	case errors.Is(err, exchange.ErrRateUnavailable):
		writeError(w, r, http.StatusUnprocessableEntity, "No exchange rate for this currency pair.")
	case errors.Is(err, exchange.ErrShiftOpen):
		writeError(w, r, http.StatusConflict, "Teller already has an open shift.")
	case errors.Is(err, exchange.ErrShiftClosed):
		writeError(w, r, http.StatusConflict, "Shift is not open.")
	case errors.Is(err, exchange.ErrInvalidInput),
		errors.Is(err, exchange.ErrInvalidAmount),
		errors.Is(err, exchange.ErrInvalidCurrency),
		errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		a.writeInternalError(w, r, err)
	}
}

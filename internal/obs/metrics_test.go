package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                             "/",
		"/metrics":                     "/metrics",
		"/v1/currencies/USD":           "/v1/currencies/:id",
		"/v1/customers/abc":            "/v1/customers/:id",
		"/v1/transactions/abc":         "/v1/transactions/:id",
		"/v1/shifts/abc/close":         "/v1/shifts/abc/close",
		"/v1/transactions":             "/v1/transactions",
		"/v1/transactions?limit=10":    "/v1/transactions",
		"/v1/auth/login":               "/v1/auth/login",
		"/v1/accounts/01ARZ3NDEKTSV4R": "/v1/accounts/:id",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

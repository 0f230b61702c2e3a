package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveCORS(origins []string, req *http.Request) (*httptest.ResponseRecorder, bool) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	CORS(origins)(handler).ServeHTTP(rec, req)
	return rec, called
}

func TestCORSEchoesAllowedOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.mindwell.example")

	rec, called := serveCORS([]string{"https://app.mindwell.example"}, req)

	if !called {
		t.Fatalf("expected handler to be called")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.mindwell.example" {
		t.Fatalf("expected allow origin header, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Fatalf("unexpected allow methods header %q", got)
	}
}

func TestCORSIgnoresUnknownOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")

	rec, called := serveCORS([]string{"https://app.mindwell.example"}, req)

	if !called {
		t.Fatalf("expected handler to still be called")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow origin header, got %q", got)
	}
}

func TestCORSMatchesSubdomainPattern(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://staging.mindwell.example")

	rec, _ := serveCORS([]string{"*.mindwell.example"}, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://staging.mindwell.example" {
		t.Fatalf("expected subdomain origin allowed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://staging.mindwell.example")
	rec, _ = serveCORS([]string{"*.mindwell.example"}, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected plain-http origin rejected, got %q", got)
	}
}

func TestCORSWildcardEchoesAnyOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://partner.example")

	rec, _ := serveCORS([]string{"*"}, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://partner.example" {
		t.Fatalf("expected origin echoed back, got %q", got)
	}
}

func TestCORSShortCircuitsPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/appointments", nil)
	req.Header.Set("Origin", "https://app.mindwell.example")
	req.Header.Set("Access-Control-Request-Method", "POST")

	rec, called := serveCORS([]string{"https://app.mindwell.example"}, req)

	if called {
		t.Fatalf("expected preflight to stop before the handler")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
}

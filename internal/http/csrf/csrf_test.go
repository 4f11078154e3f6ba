package csrf

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jw6ventures/council/internal/config"
)

func TestFormFieldToken(t *testing.T) {
	cfg := &config.Config{BaseURL: "https://council.example.com"}
	h := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", strings.NewReader("_csrf=abc"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", "https://council.example.com")
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "abc"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("form token rejected: %d", rec.Code)
	}
}

func TestMiddleware(t *testing.T) {
	cfg := &config.Config{BaseURL: "http://localhost:8080"}
	var seen string
	h := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TokenFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("GET status = %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != csrfCookieName {
		t.Fatalf("expected csrf cookie, got %v", cookies)
	}
	if cookies[0].Secure {
		t.Fatalf("cookie must not be Secure for an http base URL")
	}
	token := cookies[0].Value
	if seen != token {
		t.Fatalf("context token %q != cookie %q", seen, token)
	}

	tests := []struct {
		name   string
		header string
		origin string
		want   int
	}{
		{"missing header", "", "", http.StatusForbidden},
		{"wrong token", "nope", "", http.StatusForbidden},
		{"matching token", token, "", http.StatusNoContent},
		{"same origin", token, "http://localhost:8080", http.StatusNoContent},
		{"foreign origin", token, "https://evil.example", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/api/persons/x/leaves", nil)
			req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: token})
			if tt.header != "" {
				req.Header.Set(HeaderName, tt.header)
			}
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

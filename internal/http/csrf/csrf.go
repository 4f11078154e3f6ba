package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/jw6ventures/council/internal/config"
)

type contextKey struct{}

const (
	csrfCookieName = "council_csrf"
	// HeaderName carries the token on mutating API calls.
	HeaderName = "X-CSRF-Token"
	formField  = "_csrf"
)

// Middleware issues a CSRF token cookie and validates it on mutating requests.
// Mutating requests must also come from the site's own origin when the
// browser sends an Origin header.
func Middleware(cfg *config.Config) func(http.Handler) http.Handler {
	secure := cfg.SecureCookies()
	origin := siteOrigin(cfg.BaseURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ""
			if c, err := r.Cookie(csrfCookieName); err == nil {
				token = c.Value
			}
			if token == "" {
				var err error
				if token, err = issue(w, secure); err != nil {
					http.Error(w, "failed to issue csrf token", http.StatusInternalServerError)
					return
				}
			}

			if isStateChanging(r.Method) {
				if o := r.Header.Get("Origin"); o != "" && origin != "" && !strings.EqualFold(o, origin) {
					http.Error(w, "cross-origin request rejected", http.StatusForbidden)
					return
				}
				provided := r.Header.Get(HeaderName)
				if provided == "" && isForm(r) {
					provided = r.PostFormValue(formField)
				}
				if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
					http.Error(w, "invalid csrf token", http.StatusForbidden)
					return
				}
			}

			ctx := context.WithValue(r.Context(), contextKey{}, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokenFromContext returns the CSRF token associated with the request.
func TokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKey{}).(string); ok {
		return v
	}
	return ""
}

func issue(w http.ResponseWriter, secure bool) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return token, nil
}

// siteOrigin reduces the base URL to scheme://host[:port].
func siteOrigin(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isForm(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data")
}

func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

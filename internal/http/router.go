package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jw6ventures/council/internal/api"
	"github.com/jw6ventures/council/internal/auth"
	"github.com/jw6ventures/council/internal/config"
	"github.com/jw6ventures/council/internal/http/csrf"
	"github.com/jw6ventures/council/internal/http/ratelimit"
	"github.com/jw6ventures/council/internal/metrics"
)

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewRouter wires the auth, API and content routes. The returned stop func
// ends the rate limiters' cleanup goroutines.
func NewRouter(cfg *config.Config, health HealthChecker, authService *auth.Service, apiHandler *api.Handler, content http.Handler, logger logrus.FieldLogger) (http.Handler, func()) {
	r := chi.NewRouter()

	// Auth endpoints: 5 requests per second, burst of 10
	authRateLimiter := ratelimit.NewIPRateLimiter("auth", rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies)
	// API endpoints: 20 requests per second, burst of 50
	apiRateLimiter := ratelimit.NewIPRateLimiter("api", rate.Limit(20), 50, 5*time.Minute, cfg.TrustedProxies)
	stop := func() {
		authRateLimiter.Stop()
		apiRateLimiter.Stop()
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logger, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())
	r.Use(authService.LoadSession)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := health.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	callback, underAuth := strings.CutPrefix(cfg.OAuth.RedirectPath, "/auth")
	if !underAuth || !strings.HasPrefix(callback, "/") {
		r.With(authRateLimiter.Middleware()).Get(cfg.OAuth.RedirectPath, authService.HandleOAuthCallback)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(authRateLimiter.Middleware())
		r.Get("/login", authService.BeginOAuth)
		if underAuth && strings.HasPrefix(callback, "/") {
			r.Get(callback, authService.HandleOAuthCallback)
		}
		r.With(csrf.Middleware(cfg)).Post("/logout", authService.Logout)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(apiRateLimiter.Middleware())
		r.Use(csrf.Middleware(cfg))

		r.Get("/calendar", apiHandler.ListCalendars)
		r.Get("/calendar/{name}", apiHandler.GetCalendar)

		r.With(authService.RequireSession).Get("/me", apiHandler.Me)

		r.Group(func(r chi.Router) {
			r.Use(authService.RequireCapability(auth.ManagePersons))
			r.Get("/persons", apiHandler.ListPersons)
			r.Get("/persons/{id}/leaves", apiHandler.ListPersonLeaves)
			r.Put("/persons/{id}/leaves", apiHandler.RecordLeave)
			r.Delete("/persons/{id}/leaves", apiHandler.RevokeLeave)
			r.Get("/leaves", apiHandler.LeavesOn)
		})
	})

	r.Handle("/*", content)

	return r, stop
}

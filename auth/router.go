package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/milanbella/sa-oauth/grant"
	"github.com/milanbella/sa-oauth/identity"
	"github.com/milanbella/sa-oauth/metrics"
	"github.com/milanbella/sa-oauth/session"
)

// RouterDeps are the collaborators wired into the HTTP surface.
type RouterDeps struct {
	Server        *grant.Server
	Sessions      *session.Manager
	Authenticator *identity.Authenticator
	Metrics       *metrics.Metrics
	LoginPath     string
	// Health reports readiness; nil means always healthy.
	Health func(r *http.Request) error
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}

	r.Post("/oauth/token", NewTokenHandler(deps.Server).ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(deps.Sessions.Middleware)

		authorize := NewAuthorizationHandler(deps.Server, deps.LoginPath)
		r.Get("/oauth/authorize", authorize.ServeHTTP)
		r.Post("/oauth/authorize", authorize.ServeHTTP)
		r.Post("/login", NewLoginHandler(deps.Sessions, deps.Authenticator).ServeHTTP)
		r.Post("/logout", LogoutHandler(deps.Sessions))
	})

	bearer := NewBearerAuthenticator(deps.Server, deps.Authenticator.Users())
	r.With(bearer.Middleware, RequireAuthenticated).Get("/api/me", MeHandler)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health(r); err != nil {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/storefront/accounts/internal/auth"
	"github.com/storefront/accounts/internal/http/handlers"
	"github.com/storefront/accounts/internal/middleware"
	"github.com/storefront/accounts/internal/ratelimit"
)

// RouterDeps are the pieces NewRouter wires together.
type RouterDeps struct {
	Service *auth.Service
	Health  *handlers.HealthHandler
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Limiter *ratelimit.Limiter
	// RequestLimit caps requests per client IP across /accounts. A zero
	// policy disables it.
	RequestLimit   ratelimit.Policy
	AllowedOrigins []string
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// friends. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
	Log               *zap.Logger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d RouterDeps) *chi.Mux {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	authHandler := handlers.NewAuthHandler(d.Service, log)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if d.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.RequestLogger(log))
	r.Use(chimw.Recoverer)
	if len(d.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	if d.Health != nil {
		r.Get("/health", d.Health.ServeHTTP)
	}
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.Route("/accounts", func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(middleware.RateLimitMiddleware(d.Limiter, d.RequestLimit, middleware.GetIPKey, log))
		}

		r.Post("/register", authHandler.HandleRegister)
		r.Post("/login", authHandler.HandleLogin)
		r.Post("/token/refresh", authHandler.HandleRefresh)
		r.Post("/logout", authHandler.HandleLogout)
		r.Post("/forgot-password", authHandler.HandleForgotPassword)
		r.Post("/verify-otp", authHandler.HandleVerifyOTP)
		r.Post("/resend-otp", authHandler.HandleResendOTP)
		r.Post("/reset-password", authHandler.HandleResetPassword)

		// Protected routes (require valid access token)
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(d.Service, log))
			r.Get("/profile", authHandler.HandleProfile)
		})
	})

	return r
}

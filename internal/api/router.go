package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"ingest-platform/internal/middleware"
)

// RouterOptions configures the optional middleware of the admin API.
type RouterOptions struct {
	Limiter            *middleware.RateLimiter
	CORSAllowedOrigins []string
}

// NewRouter builds the admin API router.
func NewRouter(h *Handler, logger *slog.Logger, opts RouterOptions) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)
	if len(opts.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", middleware.RequestIDHeader},
			ExposedHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
			MaxAge:         300,
		}))
	}
	if opts.Limiter != nil {
		r.Use(opts.Limiter.Handler)
	}
	h.Routes(r)
	return r
}

// Package api wires the local debug/observability HTTP surface: health,
// session history, and Prometheus metrics. It is meant to listen on
// loopback; nothing here mutates chat state.
package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/pairlink/internal/api/middleware"
	"github.com/eldtechnologies/pairlink/internal/handlers"
	"github.com/eldtechnologies/pairlink/internal/store"
)

// NewRouter creates and configures the debug HTTP router.
func NewRouter(logger zerolog.Logger, st store.Store, channelMode string) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	h := handlers.NewHandler(st, channelMode)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", h.Health)
	r.Get("/sessions", h.Sessions)
	r.Get("/sessions/{id}", h.Messages)

	return r
}

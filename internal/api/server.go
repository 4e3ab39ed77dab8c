// Package api is the operator HTTP surface: queue overview, contact
// relations, per-contact template overrides, custom flows, and the
// immediate-processing and resume controls.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Server wraps the chi router and the http.Server lifecycle.
type Server struct {
	handlers *Handlers
	handler  http.Handler
	server   *http.Server
}

// NewServer builds the router around the handler set.
func NewServer(h *Handlers) *Server {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue/overview", h.QueueOverview)
		r.Get("/queue/recent", h.RecentQueue)
		r.Get("/workers/status", h.WorkerStatus)

		r.Route("/contacts/{contactID}", func(r chi.Router) {
			r.Get("/relations", h.ContactRelations)
			r.Post("/process-now", h.ProcessNow)
			r.Post("/resume", h.ResumeCampaign)
			r.Put("/stage", h.UpdateStage)
			r.Post("/flow", h.CreateFlow)

			r.Route("/messages", func(r chi.Router) {
				r.Get("/", h.ListCustomMessages)
				r.Put("/", h.UpsertCustomMessage)
				r.Delete("/{messageType}", h.DeactivateCustomMessage)
			})
		})
		r.Get("/contacts/email-relations/{email}", h.EmailRelations)
	})

	return &Server{handlers: h, handler: r}
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

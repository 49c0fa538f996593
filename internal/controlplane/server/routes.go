package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"

	"github.com/solarwatch/flarealert/internal/controlplane/auth"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corslib.New(corslib.Options{
		AllowedOrigins:   s.cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}).Handler)
	r.Use(limitBody(maxBodyBytes))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/version", s.handleVersion)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/ws/subscribe", s.hub.HandleSubscribe)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(auth.RequireIngestKey(s.cfg.Auth.IngestKey)).Post("/predictions", s.handleIngestPrediction)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.tokens))
			r.Use(s.limiter.Middleware)

			r.Get("/configs", s.handleListConfigs)
			r.Post("/configs", s.handleCreateConfig)
			r.Get("/configs/{id}", s.handleGetConfig)
			r.Put("/configs/{id}", s.handleUpdateConfig)
			r.Delete("/configs/{id}", s.handleDeleteConfig)
			r.Get("/configs/{id}/secret", s.handleConfigSecret)

			r.Get("/notifications", s.handleListNotifications)
			r.Get("/notifications/{id}", s.handleGetNotification)
			r.Post("/notifications/{id}/requeue", s.handleRequeueNotification)

			r.Get("/live/connections", s.handleLiveConnections)
		})
	})

	return r
}

// ── Health / Version ─────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version, "commit": Commit, "date": Date,
	})
}

func (s *Server) handleLiveConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.List(auth.SubjectFromContext(r.Context())))
}

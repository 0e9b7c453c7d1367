// SPDX-License-Identifier: GPL-2.0-or-later

// Package web serves the admin HTTP surface.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rtspgate/pkg/auth"
	"rtspgate/pkg/gateway"
	"rtspgate/pkg/log"
	"rtspgate/pkg/metrics"
	"rtspgate/pkg/system"
)

// Server admin HTTP server.
type Server struct {
	router chi.Router
	server *http.Server
	logger *log.Logger
}

// NewServer builds the admin router.
func NewServer(
	addr string,
	gate *auth.Gate,
	accounting *gateway.ConnectionAccounting,
	registry *gateway.MountRegistry,
	logDB *log.DB,
	sys *system.System,
	m *metrics.Metrics,
	logger *log.Logger,
) *Server {
	h := &handler{
		gate:       gate,
		accounting: accounting,
		registry:   registry,
		logDB:      logDB,
		sys:        sys,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		m.Handler().ServeHTTP(w, req)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(h.adminOnly)

		r.Get("/streams", h.streams)
		r.Get("/status", h.status)
		r.Get("/log/query", h.logQuery)

		r.Get("/users", h.usersList)
		r.Put("/users", h.userSet)
		r.Delete("/users/{id}", h.userDelete)
	})

	return &Server{
		router: r,
		server: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Router returns the HTTP handler, used directly in tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Src("web").Msgf("admin server listening on %v", s.server.Addr)

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

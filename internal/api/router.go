package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router builds the chi-routed HTTP surface under /api/v1 (spec §6.1).
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Post("/tasks", s.handleCreateTask)
		v1.Post("/mcp/tasks", s.handleCreateMCPTask)
		v1.Get("/tasks/{id}", s.handleGetTask)
		v1.Get("/tasks", s.handleListTasks)
		v1.Post("/tasks/clear", s.handleClearTasks)
		v1.Delete("/tasks/{id}", s.handleDeleteTask)

		v1.Post("/orchestrations", s.handleCreateOrchestration)
		v1.Get("/orchestrations/{id}", s.handleGetOrchestration)
		v1.Get("/orchestrations", s.handleListOrchestrations)
		v1.Delete("/orchestrations/{id}/cancel", s.handleCancelOrchestration)

		v1.Get("/health", s.handleHealth)
	})

	return r
}

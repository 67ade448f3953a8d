package web

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/photo-tagger/internal/constants"
	"github.com/kozaktomas/photo-tagger/internal/web/handlers"
	"github.com/kozaktomas/photo-tagger/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	photosHandler := handlers.NewPhotosHandler(s.tagger, s.config.Storage.PhotoDir)
	statsHandler := handlers.NewStatsHandler(s.tagger)

	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(s.config.Web.APIToken))

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(constants.RequestTimeout))

			r.Post("/photos", photosHandler.Upload)
			r.Get("/photos/{id}", photosHandler.Get)
			r.Get("/files/{name}", photosHandler.File)
			r.Get("/stats", statsHandler.Get)
		})

		// Event streams are long lived and skip the request timeout.
		if s.hub != nil {
			eventsHandler := handlers.NewEventsHandler(s.hub)
			r.Get("/chats/{chatID}/events", eventsHandler.Stream)
		}
	})
}

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/manpreetbhatti/coderoom/internal/metrics"
)

// NewRouter mounts the HTTP API, the websocket endpoint and /metrics.
// The websocket route sits outside the request timeout.
func NewRouter(a *API, socket http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", a.HealthHandler)
	r.Handle("/metrics", metrics.Handler())
	if socket != nil {
		r.Handle("/ws", socket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/stats", a.StatsHandler)
		r.Get("/languages", a.LanguagesHandler)
		r.Get("/users/{id}/rooms", a.UserRoomsHandler)

		r.Route("/rooms", func(r chi.Router) {
			r.Get("/", a.ListRoomsHandler)
			r.Post("/", a.CreateRoomHandler)
			r.Route("/{key}", func(r chi.Router) {
				r.Get("/", a.GetRoomHandler)
				r.Delete("/", a.DeleteRoomHandler)
				r.Post("/join", a.JoinRoomHandler)
				r.Post("/leave", a.LeaveRoomHandler)
			})
		})
	})

	return r
}

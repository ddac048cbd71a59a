package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/averos/backstop/internal/api/handlers"
	"github.com/averos/backstop/internal/auth"
	"github.com/averos/backstop/internal/models"
	"github.com/averos/backstop/internal/services"
	"github.com/averos/backstop/internal/websocket"
)

// NewRouter creates and configures a new Chi router.
func NewRouter(
	hub *websocket.Hub,
	targets []models.Target,
	backupSvc services.BackupServiceProvider,
	catalog services.CatalogProvider,
	restoreSvc services.RestoreServiceProvider,
	eventSvc services.EventServiceProvider,
	userSvc services.UserServiceProvider,
) *chi.Mux {
	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS configuration for the dashboard
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Initialize handlers
	targetHandler := handlers.NewTargetHandler(targets, backupSvc)
	backupHandler := handlers.NewBackupHandler(catalog)
	restoreHandler := handlers.NewRestoreHandler(restoreSvc)
	eventHandler := handlers.NewEventHandler(eventSvc)
	userHandler := handlers.NewUserHandler(userSvc)
	wsHandler := handlers.NewWebSocketHandler(hub)

	// Pull-based health endpoint for the alerting/dashboard system.
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// API versioning
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", userHandler.Login)

		// WebSocket event stream
		r.Get("/ws", wsHandler.Serve)
		r.Get("/ws/targets/{id}", wsHandler.Serve)

		r.Get("/events", eventHandler.GetRecent)

		r.Route("/targets", func(r chi.Router) {
			r.Get("/", targetHandler.GetAll)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", targetHandler.Get)
				r.Get("/backups", backupHandler.GetAllForTarget)
				r.Get("/backups/{jobId}", backupHandler.Get)
				// Triggering a backup mutates state; operators only.
				r.With(auth.JWTMiddleware()).Post("/backup", targetHandler.TriggerBackup)
			})
		})

		r.Route("/restores", func(r chi.Router) {
			r.Get("/", restoreHandler.GetRecent)
			r.Get("/{id}", restoreHandler.Get)
			r.Group(func(r chi.Router) {
				r.Use(auth.JWTMiddleware())
				r.Post("/", restoreHandler.Create)
				r.Post("/{id}/cancel", restoreHandler.Cancel)
			})
		})

		r.With(auth.JWTMiddleware()).Get("/me", userHandler.Me)
	})

	return r
}

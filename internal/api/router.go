package api

import (
	"authgate/internal/api/handler"
	"authgate/internal/api/middleware"
	"authgate/internal/app/service"
	"authgate/internal/domain/model"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

func NewRouter(sessions *service.SessionManager, appName string, log *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Base Middlewares
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.RequestLogger(&chiMiddleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(log.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	guardOpts := middleware.GuardOptions{Logger: log}
	pageHandler := handler.NewPageHandler(sessions, appName, log)
	authHandler := handler.NewAuthHandler(sessions, log)

	// Console pages
	pageHandler.RegisterRoutes(r)
	r.With(middleware.Guard(sessions, guardOpts)).Get("/", pageHandler.Home)
	r.With(middleware.Guard(sessions, guardOpts, model.RoleAdmin)).Get("/admin", pageHandler.Admin)

	// API v1 Routes
	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Route("/auth", authHandler.RegisterRoutes)
		v1.With(middleware.Guard(sessions, guardOpts)).Get("/me", authHandler.Me)
	})

	return r
}

// Package api provides the coordinator's HTTP surface.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/presenced/internal/coordinator/api/handlers"
	"github.com/marmos91/presenced/internal/logger"
	"github.com/marmos91/presenced/pkg/coordinator"
	"github.com/marmos91/presenced/pkg/directory"
)

// NewRouter creates the chi router with all middleware and routes.
//
// Routes:
//   - GET /health - liveness probe
//   - GET /health/ready - readiness probe (directory ping)
//   - POST /nodes/register - admit an instance into the ring
//   - POST /nodes/unregister - evict an instance
//   - GET /route - resolve the owning instance for a user
func NewRouter(coord *coordinator.Coordinator, dir directory.Directory) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	healthHandler := handlers.NewHealthHandler(dir)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	nodeHandler := handlers.NewNodeHandler(coord)
	r.Route("/nodes", func(r chi.Router) {
		r.Post("/register", nodeHandler.Register)
		r.Post("/unregister", nodeHandler.Unregister)
	})

	routeHandler := handlers.NewRouteHandler(coord)
	r.Get("/route", routeHandler.Route)

	return r
}

// isHealthPath returns true if the request path is a healthcheck endpoint.
func isHealthPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/")
}

// requestLogger logs request start at DEBUG and completion at INFO, with
// healthcheck requests demoted to DEBUG to keep probe noise out of logs.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			logger.KeyRequestID, requestID,
			logger.KeyMethod, r.Method,
			logger.KeyPath, r.URL.Path,
			logger.KeyRemoteAddr, r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logArgs := []any{
			logger.KeyRequestID, requestID,
			logger.KeyMethod, r.Method,
			logger.KeyPath, r.URL.Path,
			logger.KeyStatus, ww.Status(),
			logger.KeyDurationMs, time.Since(start).Milliseconds(),
		}

		if isHealthPath(r.URL.Path) {
			logger.Debug("API request completed", logArgs...)
		} else {
			logger.Info("API request completed", logArgs...)
		}
	})
}

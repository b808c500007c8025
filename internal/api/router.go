// internal/api/router.go
package api

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func cors(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "X-API-Key"}),
	)
}

// SetupAPIRouter serves the JSON API, the websocket feed and operational
// endpoints. Viewer endpoints sit behind JWT auth when it is enabled; feed
// injection always needs an API key.
func SetupAPIRouter(h *APIHandler, gatherer prometheus.Gatherer, origins []string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors(origins))

	r.Get("/healthz", h.HandleHealth)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/login", h.HandleLogin)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.JWTMiddleware)
			r.Get("/snapshot", h.HandleSnapshot)
			r.Get("/valve-data", h.HandleValveData)
			r.Get("/actualsensor-data", h.HandleSensorData)
			r.Get("/faults", h.HandleFaults)
		})

		r.With(h.auth.APIKeyMiddleware).Post("/feed", h.HandleFeed)
	})

	r.With(h.auth.JWTMiddleware).Get("/ws", h.HandleWebSocket)
	return r
}

// SetupUIRouter serves the optional web bundle and the websocket feed.
func SetupUIRouter(h *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", h.ServeWebUI)
	r.With(h.auth.JWTMiddleware).Get("/ws", h.HandleWebSocket)

	// Serve static files (CSS, JS)
	if h.webDir != "" {
		staticPath := filepath.Join(h.webDir, "static")
		fs := http.FileServer(http.Dir(staticPath))
		r.Handle("/static/*", http.StripPrefix("/static/", fs))
	}
	return r
}

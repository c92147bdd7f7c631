package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// submissions are rate limited per project, polling is not
	submit := api.PathPrefix("").Subrouter()
	submit.Use(RateLimitMiddleware(rateLimiter, h.logger))
	submit.HandleFunc("/tasks", h.CreateTask).Methods("POST", "OPTIONS")

	api.HandleFunc("/tasks/{id}", h.GetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}", h.CancelTask).Methods("DELETE")
	api.HandleFunc("/tasks/{id}/events", h.StreamEvents).Methods("GET")
	api.HandleFunc("/tasks/{id}/artifacts", h.DownloadArtifacts).Methods("GET")

	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/pool", h.PoolStats).Methods("GET")

	r.Use(corsMiddleware)
	r.Use(LoggingMiddleware(h.logger))

	return r
}

// NewServer builds the HTTP server for the configured listener.
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Project-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/handlers"
)

// NewRouter maps the operator API, provider webhooks, the media stream and ops endpoints
func NewRouter(handler *handlers.Handler, media http.Handler, gatherer prometheus.Gatherer, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	// Operator API
	router.HandleFunc("/jobs", handler.StartJob).Methods("POST")
	router.HandleFunc("/jobs/{id}", handler.GetJob).Methods("GET")
	router.HandleFunc("/jobs/{id}/stop", handler.StopJob).Methods("POST")
	router.HandleFunc("/legs/{id}/override", handler.Override).Methods("POST")
	router.HandleFunc("/legs/{id}/detection", handler.Detection).Methods("GET")
	router.HandleFunc("/maintenance/reconcile", handler.Reconcile).Methods("POST")

	// Provider callbacks
	router.HandleFunc("/webhooks/status", handler.StatusWebhook).Methods("POST")
	router.HandleFunc("/webhooks/voice", handler.VoiceWebhook).Methods("POST")
	router.Handle("/media-stream", media).Methods("GET")

	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	router.Use(loggingMiddleware(logger))
	return router
}

func NewHTTPServer(port string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KanavDutta/seigen/api"
	"github.com/KanavDutta/seigen/metrics"
	"github.com/KanavDutta/seigen/middleware"
	"github.com/KanavDutta/seigen/pkg/seigen"
)

const version = "1.0.0"

// server holds everything the routes need.
type server struct {
	engine  *seigen.Engine
	limiter *middleware.RateLimiter
	metrics *metrics.Metrics
	logger  *slog.Logger

	// Optional; reports the ban feed's health
	pingBanLog func(ctx context.Context) error
}

func (s *server) routes() http.Handler {
	handler := api.NewHandler(s.engine, s.metrics)
	statsHandler := api.NewMetricsHandler(s.metrics, s.engine)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Post("/check", handler.CheckRateLimit)
	r.Get("/stats", statsHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	r.Get("/health", s.healthHandler)
	r.Get("/dashboard", dashboardHandler)
	r.With(s.limiter.Middleware).Get("/demo", demoHandler)
	r.Get("/", rootHandler)

	return r
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "healthy",
		"service": "seigen",
		"version": version,
		"engine":  s.engine.Stats(),
	}

	if s.pingBanLog != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()

		// The ban feed is best-effort; admission keeps working without it
		if err := s.pingBanLog(ctx); err != nil {
			resp["status"] = "degraded"
			resp["ban_feed"] = err.Error()
		} else {
			resp["ban_feed"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func demoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message":   "admitted",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"service": "seigen admission service",
		"version": version,
		"endpoints": map[string]string{
			"POST /check":    "Evaluate a request for a client",
			"GET /stats":     "Decision statistics (JSON)",
			"GET /metrics":   "Prometheus metrics",
			"GET /dashboard": "Live dashboard",
			"GET /health":    "Health check",
			"GET /demo":      "Endpoint guarded by the middleware",
		},
	})
}

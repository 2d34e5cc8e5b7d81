package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/counts", s.handleDeviceCounts)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/history", s.handleDeviceHistory)
			})
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Get("/counts", s.handleAlertCounts)
		})

		r.Get("/sightings", s.handleListSightings)
	})

	return r
}

// handleHealth returns 200 while the database answers and 503 otherwise.
// Broker liveness is reported but does not fail the check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
	}
	status := http.StatusOK

	if err := s.db.HealthCheck(ctx); err != nil {
		s.logger.Warn("health check: database unavailable", "error", err)
		resp["status"] = "unavailable"
		resp["database"] = "unavailable"
		status = http.StatusServiceUnavailable
	} else {
		resp["database"] = "ok"
	}

	if s.mqtt != nil {
		resp["mqtt"] = map[string]any{"connected": s.mqtt.IsConnected()}
	}
	if s.health != nil {
		if snap, ok := s.health.Latest(); ok {
			resp["report"] = snap
		}
	}

	writeJSON(w, status, resp)
}

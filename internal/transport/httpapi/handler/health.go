package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether a dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	db    Pinger
	redis Pinger
}

// NewHealthHandler creates a new health handler. The redis pinger may be nil
// when the heartbeat store runs against an in-process fallback.
func NewHealthHandler(db, redis Pinger) *HealthHandler {
	return &HealthHandler{
		db:    db,
		redis: redis,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Uptime string            `json:"uptime,omitempty"`
}

var startTime = time.Now()

// GetHealth handles GET /health
func GetHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status: "ok",
		Uptime: time.Since(startTime).String(),
	}, http.StatusOK)
}

// GetLiveness handles GET /health/live
func GetLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "alive"}, http.StatusOK)
}

// GetReadiness handles GET /health/ready. The service is ready when the
// database answers; Redis degrades recovery but not request serving, so a
// Redis outage reports degraded without failing the probe.
func (h *HealthHandler) GetReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string)
	status := "ready"
	httpStatus := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		checks["database"] = "unhealthy: " + err.Error()
		respondJSON(w, HealthResponse{Status: "not_ready", Checks: checks}, http.StatusServiceUnavailable)
		return
	}
	checks["database"] = "healthy"

	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			status = "degraded"
		} else {
			checks["redis"] = "healthy"
		}
	}

	respondJSON(w, HealthResponse{Status: status, Checks: checks}, httpStatus)
}

// Package health exposes the kubernetes liveness and readiness probes.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// EngineChecker is the narrow view of the media engine the readiness probe
// needs: whether the router came up with a usable codec set.
type EngineChecker interface {
	RouterRTPCapabilities() json.RawMessage
}

// Handler manages health check endpoints
type Handler struct {
	engine EngineChecker
}

// NewHandler creates a new health check handler
func NewHandler(engine EngineChecker) *Handler {
	return &Handler{engine: engine}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 whenever the process is
// alive, with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only while the media
// engine is up, 503 otherwise so the pod is pulled from rotation.
func (h *Handler) Readiness(c *gin.Context) {
	checks := map[string]string{
		"media_engine": h.checkEngine(),
	}

	status := "ready"
	statusCode := http.StatusOK
	if checks["media_engine"] != "healthy" {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkEngine reports whether the engine initialized its router. An engine
// with no capabilities cannot negotiate media with anyone.
func (h *Handler) checkEngine() string {
	if h.engine == nil {
		return "unhealthy"
	}
	if len(h.engine.RouterRTPCapabilities()) == 0 {
		return "unhealthy"
	}
	return "healthy"
}

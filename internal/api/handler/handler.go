// Package handler provides HTTP handlers for all API endpoints.
// Ingestion handlers only decode, validate and queue; all processing happens
// on the request workers.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/albapepper/pushgate/internal/request"
)

// Queue is the request processor as seen by the HTTP layer.
type Queue interface {
	Submit(b request.Batch) bool
	QueueSize() int
	HasEvent(eventID int) bool
}

// SenderQueues reports sender queue depths.
type SenderQueues interface {
	Senders() []string
	QueueSize(name string) (int, bool)
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	queue   Queue
	senders SenderQueues
	db      Pinger
	logger  *slog.Logger
	maxBody int64
}

// New creates a Handler with shared dependencies.
func New(queue Queue, senders SenderQueues, db Pinger, logger *slog.Logger) *Handler {
	return &Handler{
		queue:   queue,
		senders: senders,
		db:      db,
		logger:  logger,
		maxBody: 10 << 20,
	}
}

// Root serves API info at /.
// @Summary API root info
// @Description Returns service name, status and the configured senders.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    "pushgate",
		"status":  "running",
		"docs":    "/docs",
		"senders": h.senders.Senders(),
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies database connectivity.
// @Summary Database health check
// @Description Verifies database connectivity.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("Database health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     "Database connection check failed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const pingTimeout = 2 * time.Second

// Pinger reports whether the mirror database is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	db     Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{db: db, logger: logger}
}

// GetHealth reports UP while the mirror database answers, DOWN with 503 otherwise
// GET /health
func (h *HealthHandler) GetHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error("Health check failed",
			"component", "http",
			"error", err,
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "DOWN",
			"service":  "atmosync",
			"database": "unreachable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "UP",
		"service":  "atmosync",
		"database": "ok",
	})
}

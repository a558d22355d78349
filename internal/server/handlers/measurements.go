package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"atmosync/internal/core"

	"github.com/gin-gonic/gin"
)

// MeasurementReader is the time-series read side of the mirror store
type MeasurementReader interface {
	ListMeasurements(ctx context.Context, moduleID string, begin, end *int64) ([]core.Measurement, error)
}

// MeasurementsHandler serves stored module measurements
type MeasurementsHandler struct {
	measurements MeasurementReader
	logger       *slog.Logger
}

// NewMeasurementsHandler creates a new measurements handler
func NewMeasurementsHandler(measurements MeasurementReader, logger *slog.Logger) *MeasurementsHandler {
	return &MeasurementsHandler{
		measurements: measurements,
		logger:       logger,
	}
}

// ListMeasurements returns a module's rows ordered by timestamp. The optional
// begin and end query parameters are inclusive unix seconds.
// GET /modules/:id/measurements
func (h *MeasurementsHandler) ListMeasurements(c *gin.Context) {
	moduleID := c.Param("id")

	begin, ok := parseBound(c, "begin")
	if !ok {
		return
	}
	end, ok := parseBound(c, "end")
	if !ok {
		return
	}

	rows, err := h.measurements.ListMeasurements(c.Request.Context(), moduleID, begin, end)
	if err != nil {
		h.logger.Error("Failed to list measurements",
			"component", "http",
			"module_id", moduleID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve measurements",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	if rows == nil {
		rows = []core.Measurement{}
	}
	c.JSON(http.StatusOK, gin.H{
		"module_id":    moduleID,
		"count":        len(rows),
		"measurements": rows,
	})
}

// parseBound reads an optional unix timestamp query parameter. It writes a
// 400 response and returns false when the value is malformed.
func parseBound(c *gin.Context, name string) (*int64, bool) {
	raw, present := c.GetQuery(name)
	if !present || raw == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": name + " must be a unix timestamp in seconds",
			"code":  "INVALID_REQUEST",
		})
		return nil, false
	}
	return &v, true
}

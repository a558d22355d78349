package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"atmosync/internal/core"

	"github.com/gin-gonic/gin"
)

// DeviceReader is the read side of the mirror store used by the handlers
type DeviceReader interface {
	ListDevices(ctx context.Context) ([]*core.Device, error)
	GetDevice(ctx context.Context, id string) (*core.Device, error)
}

// DevicesHandler serves mirrored stations
type DevicesHandler struct {
	devices DeviceReader
	logger  *slog.Logger
}

// NewDevicesHandler creates a new devices handler
func NewDevicesHandler(devices DeviceReader, logger *slog.Logger) *DevicesHandler {
	return &DevicesHandler{
		devices: devices,
		logger:  logger,
	}
}

// ListDevices returns all mirrored stations without their modules
// GET /devices
func (h *DevicesHandler) ListDevices(c *gin.Context) {
	devices, err := h.devices.ListDevices(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list devices",
			"component", "http",
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve devices",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	if devices == nil {
		devices = []*core.Device{}
	}
	c.JSON(http.StatusOK, devices)
}

// GetDevice returns one station with its modules
// GET /devices/:id
func (h *DevicesHandler) GetDevice(c *gin.Context) {
	deviceID := c.Param("id")

	device, err := h.devices.GetDevice(c.Request.Context(), deviceID)
	if err != nil {
		if errors.Is(err, core.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Device not found",
				"code":  "DEVICE_NOT_FOUND",
			})
			return
		}
		h.logger.Error("Failed to get device",
			"component", "http",
			"device_id", deviceID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve device",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusOK, device)
}

package server

import (
	"log/slog"

	"atmosync/internal/server/handlers"
	"atmosync/internal/server/middleware"

	"github.com/gin-gonic/gin"
)

// Reader is the read side of the mirror store exposed over HTTP
type Reader interface {
	handlers.Pinger
	handlers.DeviceReader
	handlers.MeasurementReader
}

// RouterConfig holds dependencies for the HTTP router
type RouterConfig struct {
	Store  Reader
	APIKey string // empty leaves the v1 group open
	Logger *slog.Logger
}

// NewRouter creates and configures the Gin router
func NewRouter(config RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(config.Logger))
	router.Use(middleware.Logging(config.Logger))

	// Health check (no auth)
	healthHandler := handlers.NewHealthHandler(config.Store, config.Logger)
	router.GET("/health", healthHandler.GetHealth)

	v1 := router.Group("/v1")
	if config.APIKey != "" {
		v1.Use(middleware.APIKey(config.APIKey))
	}
	{
		devicesHandler := handlers.NewDevicesHandler(config.Store, config.Logger)
		v1.GET("/devices", devicesHandler.ListDevices)
		v1.GET("/devices/:id", devicesHandler.GetDevice)

		measurementsHandler := handlers.NewMeasurementsHandler(config.Store, config.Logger)
		v1.GET("/modules/:id/measurements", measurementsHandler.ListMeasurements)
	}

	return router
}

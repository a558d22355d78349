package logging

import (
	"context"
	"log/slog"
	"time"

	"atmosync/internal/api"
	"atmosync/internal/core"
	"atmosync/internal/mirror"
)

// SyncerLogger wraps a Syncer and logs all method calls
type SyncerLogger struct {
	syncer mirror.Syncer
	logger *slog.Logger
}

// NewSyncerLogger creates a new logging decorator for Syncer
func NewSyncerLogger(syncer mirror.Syncer, logger *slog.Logger) mirror.Syncer {
	return &SyncerLogger{
		syncer: syncer,
		logger: logger.With("interface", "Syncer"),
	}
}

func (l *SyncerLogger) ReconcileDevices(ctx context.Context, req api.StationsRequest) (mirror.ReconcileResult, error) {
	start := time.Now()
	l.logger.Info("ReconcileDevices called",
		"device_id", req.DeviceID,
		"get_favorites", req.GetFavorites != nil && *req.GetFavorites)

	result, err := l.syncer.ReconcileDevices(ctx, req)
	duration := time.Since(start)

	if err != nil {
		l.logger.Error("ReconcileDevices failed",
			"device_id", req.DeviceID,
			"duration", duration,
			"error", err)
		return result, err
	}

	l.logger.Info("ReconcileDevices completed",
		"devices", result.Devices,
		"modules", result.Modules,
		"devices_created", result.DevicesCreated,
		"modules_created", result.ModulesCreated,
		"duration", duration)

	return result, nil
}

func (l *SyncerLogger) RemoveDevice(ctx context.Context, deviceID string) error {
	start := time.Now()
	l.logger.Info("RemoveDevice called",
		"device_id", deviceID)

	err := l.syncer.RemoveDevice(ctx, deviceID)
	duration := time.Since(start)

	if err != nil {
		l.logger.Error("RemoveDevice failed",
			"device_id", deviceID,
			"duration", duration,
			"error", err)
		return err
	}

	l.logger.Info("RemoveDevice completed",
		"device_id", deviceID,
		"duration", duration)

	return nil
}

func (l *SyncerLogger) SyncMeasurements(ctx context.Context, requestLimit int, minUpdateInterval time.Duration) (bool, error) {
	start := time.Now()
	l.logger.Info("SyncMeasurements called",
		"request_limit", requestLimit,
		"min_update_interval", minUpdateInterval)

	updated, err := l.syncer.SyncMeasurements(ctx, requestLimit, minUpdateInterval)
	duration := time.Since(start)

	if err != nil {
		l.logger.Error("SyncMeasurements failed",
			"request_limit", requestLimit,
			"updated", updated,
			"duration", duration,
			"error", err)
		return updated, err
	}

	l.logger.Info("SyncMeasurements completed",
		"updated", updated,
		"duration", duration)

	return updated, nil
}

func (l *SyncerLogger) Device(ctx context.Context, id string) (*core.Device, error) {
	start := time.Now()
	l.logger.Debug("Device called",
		"device_id", id)

	device, err := l.syncer.Device(ctx, id)
	duration := time.Since(start)

	if err != nil {
		l.logger.Error("Device failed",
			"device_id", id,
			"duration", duration,
			"error", err)
		return nil, err
	}

	l.logger.Debug("Device completed",
		"device_id", id,
		"modules", len(device.Modules),
		"duration", duration)

	return device, nil
}

func (l *SyncerLogger) Measurements(ctx context.Context, moduleID string, begin, end *int64) ([]core.Measurement, error) {
	start := time.Now()
	l.logger.Debug("Measurements called",
		"module_id", moduleID)

	rows, err := l.syncer.Measurements(ctx, moduleID, begin, end)
	duration := time.Since(start)

	if err != nil {
		l.logger.Error("Measurements failed",
			"module_id", moduleID,
			"duration", duration,
			"error", err)
		return nil, err
	}

	l.logger.Debug("Measurements completed",
		"module_id", moduleID,
		"count", len(rows),
		"duration", duration)

	return rows, nil
}

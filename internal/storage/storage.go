package storage

import (
	"context"

	"atmosync/internal/core"
)

// ApplyResult summarizes one snapshot application
type ApplyResult struct {
	DevicesCreated int
	DevicesUpdated int
	ModulesCreated int
	ModulesUpdated int
	// IDs of modules whose stored device or type disagreed with the update
	Conflicts []string
}

// Store defines the interface for the local mirror
type Store interface {
	// Devices and modules
	ApplySnapshot(ctx context.Context, devices []core.DeviceUpdate, modules []core.ModuleUpdate) (ApplyResult, error)
	GetDevice(ctx context.Context, id string) (*core.Device, error)
	ListDevices(ctx context.Context) ([]*core.Device, error)
	ListModules(ctx context.Context) ([]*core.Module, error)
	DeleteDevice(ctx context.Context, id string) error

	// Measurements
	LatestTimestamp(ctx context.Context, moduleID string) (ts int64, ok bool, err error)
	InsertMeasurements(ctx context.Context, rows []core.Measurement) (int, error)
	ListMeasurements(ctx context.Context, moduleID string, begin, end *int64) ([]core.Measurement, error)

	// Lifecycle
	Close() error
}

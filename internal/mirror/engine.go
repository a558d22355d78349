package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"atmosync/internal/api"
	"atmosync/internal/auth"
	"atmosync/internal/clock"
	"atmosync/internal/core"
	"atmosync/internal/idgen"
	"atmosync/internal/storage"
)

// API is the remote surface the engine consumes
type API interface {
	GetStationsData(ctx context.Context, req api.StationsRequest) (*api.StationsData, error)
	GetMeasure(ctx context.Context, req api.MeasureRequest) (*api.MeasureData, error)
	HasScope(scope auth.Scope) bool
}

// Syncer defines the mirror operations
type Syncer interface {
	ReconcileDevices(ctx context.Context, req api.StationsRequest) (ReconcileResult, error)
	RemoveDevice(ctx context.Context, deviceID string) error
	SyncMeasurements(ctx context.Context, requestLimit int, minUpdateInterval time.Duration) (bool, error)
	Device(ctx context.Context, id string) (*core.Device, error)
	Measurements(ctx context.Context, moduleID string, begin, end *int64) ([]core.Measurement, error)
}

// ReconcileResult reports what one reconcile pass changed
type ReconcileResult struct {
	Devices int // devices in the remote snapshot
	Modules int // modules in the remote snapshot, main modules included
	storage.ApplyResult
}

// Engine mirrors remote stations into the local store
type Engine struct {
	api    API
	store  storage.Store
	logger *slog.Logger
	clock  clock.Clock
}

var _ Syncer = (*Engine)(nil)

// NewEngine creates a new sync engine
func NewEngine(client API, store storage.Store, logger *slog.Logger, clk clock.Clock) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Engine{
		api:    client,
		store:  store,
		logger: logger.With("component", "mirror"),
		clock:  clk,
	}
}

// ReconcileDevices fetches the station snapshot and creates or updates every
// device and module in it. Local devices missing from the snapshot are kept.
func (e *Engine) ReconcileDevices(ctx context.Context, req api.StationsRequest) (ReconcileResult, error) {
	var result ReconcileResult

	if !e.api.HasScope(auth.ScopeReadStation) {
		return result, fmt.Errorf("%w: %s", core.ErrPermissionDenied, auth.ScopeReadStation)
	}

	data, err := e.api.GetStationsData(ctx, req)
	if err != nil {
		e.logger.Error("Failed to fetch stations data", "error", err)
		return result, err
	}

	var devices []core.DeviceUpdate
	var modules []core.ModuleUpdate
	for _, dev := range data.Devices {
		if dev.ID == "" {
			e.logger.Warn("Skipping station without ID", "station_name", dev.StationName)
			continue
		}
		devices = append(devices, core.DeviceUpdate{
			ID:        dev.ID,
			Name:      dev.StationName,
			Latitude:  dev.Place.Latitude(),
			Longitude: dev.Place.Longitude(),
			Altitude:  dev.Place.Altitude,
			Timezone:  dev.Place.Timezone,
		})

		// Main module shares the device ID
		modules = append(modules, core.ModuleUpdate{
			ID:         dev.ID,
			DeviceID:   dev.ID,
			Name:       dev.ModuleName,
			ModuleType: dev.Type,
			DataType:   dev.DataType,
		})

		for _, mod := range dev.Modules {
			if mod.ID == "" {
				e.logger.Warn("Skipping module without ID", "device_id", dev.ID, "module_name", mod.ModuleName)
				continue
			}
			modules = append(modules, core.ModuleUpdate{
				ID:         mod.ID,
				DeviceID:   dev.ID,
				Name:       mod.ModuleName,
				ModuleType: mod.Type,
				DataType:   mod.DataType,
			})
		}
	}

	applied, err := e.store.ApplySnapshot(ctx, devices, modules)
	if err != nil {
		return result, fmt.Errorf("failed to store stations snapshot: %w", err)
	}
	for _, id := range applied.Conflicts {
		e.logger.Warn("Module identity changed remotely, keeping stored device and type", "module_id", id)
	}

	result.Devices = len(devices)
	result.Modules = len(modules)
	result.ApplyResult = applied
	return result, nil
}

// RemoveDevice deletes a device with its modules and measurements
func (e *Engine) RemoveDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return core.ErrInvalidDeviceID
	}
	return e.store.DeleteDevice(ctx, deviceID)
}

// SyncMeasurements fetches new measurements for every known module.
// requestLimit caps the getmeasure calls of the whole pass (<= 0 is
// unlimited). A module whose newest row is younger than minUpdateInterval is
// skipped. It reports whether any row was inserted.
func (e *Engine) SyncMeasurements(ctx context.Context, requestLimit int, minUpdateInterval time.Duration) (bool, error) {
	if !e.api.HasScope(auth.ScopeReadStation) {
		return false, fmt.Errorf("%w: %s", core.ErrPermissionDenied, auth.ScopeReadStation)
	}

	logger := e.logger.With("run_id", idgen.NewRun())

	modules, err := e.store.ListModules(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list modules: %w", err)
	}

	b := newBudget(requestLimit)
	updated := false
	for _, m := range modules {
		if b.exhausted() {
			logger.Info("Request limit reached, ending pass", "request_limit", requestLimit)
			break
		}
		if err := ctx.Err(); err != nil {
			return updated, err
		}

		inserted, err := e.syncModule(ctx, logger.With("module_id", m.ID), m, b, minUpdateInterval)
		if inserted > 0 {
			updated = true
		}
		if err != nil {
			return updated, err
		}
	}

	return updated, nil
}

// syncModule pages through one module's new measurements. Remote failures
// end the module quietly; storage errors are returned.
func (e *Engine) syncModule(ctx context.Context, logger *slog.Logger, m *core.Module, b *budget, minUpdateInterval time.Duration) (int, error) {
	columns, unknown := core.ExpandChannels(m.DataType)
	if len(unknown) > 0 {
		logger.Warn("Ignoring channels without a column", "channels", unknown)
	}
	if len(columns) == 0 {
		logger.Debug("Module declares no measurable channel")
		return 0, nil
	}
	types := measureTypes(columns)

	total := 0
	for {
		watermark, ok, err := e.store.LatestTimestamp(ctx, m.ID)
		if err != nil {
			return total, fmt.Errorf("failed to read watermark of %s: %w", m.ID, err)
		}

		if ok && total == 0 && minUpdateInterval > 0 {
			age := e.clock.Now().Sub(time.Unix(watermark, 0))
			if age < minUpdateInterval {
				logger.Debug("Skipping recently updated module", "latest", watermark, "age", age)
				return 0, nil
			}
		}

		if !b.take() {
			return total, nil
		}

		req := api.MeasureRequest{
			DeviceID: m.DeviceID,
			ModuleID: m.ID,
			Scale:    "max",
			Types:    types,
			Optimize: true,
		}
		if ok {
			begin := watermark + 1
			req.DateBegin = &begin
			logger.Info("Requesting measurements", "date_begin", begin)
		} else {
			logger.Info("Requesting measurements from the beginning")
		}

		data, err := e.api.GetMeasure(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return total, err
			}
			logger.Error("Failed to fetch measurements, skipping module for this pass", "error", err)
			return total, nil
		}
		if len(data.Blocks) == 0 {
			logger.Info("No new measurements")
			return total, nil
		}

		rows := expandBlocks(m.ID, columns, data.Blocks)
		inserted, err := e.store.InsertMeasurements(ctx, rows)
		if err != nil {
			return total, fmt.Errorf("failed to store measurements of %s: %w", m.ID, err)
		}
		total += inserted
		logger.Info("Stored measurements", "received", len(rows), "inserted", inserted)

		// Without new rows the watermark cannot move and the next page would repeat this one
		if inserted == 0 {
			logger.Warn("Page added no rows, ending module for this pass")
			return total, nil
		}
	}
}

// Device returns a stored device with its modules
func (e *Engine) Device(ctx context.Context, id string) (*core.Device, error) {
	return e.store.GetDevice(ctx, id)
}

// Measurements returns a module's stored rows within the optional inclusive bounds
func (e *Engine) Measurements(ctx context.Context, moduleID string, begin, end *int64) ([]core.Measurement, error) {
	return e.store.ListMeasurements(ctx, moduleID, begin, end)
}

// budget counts the getmeasure calls left in a pass
type budget struct {
	limited   bool
	remaining int
}

func newBudget(limit int) *budget {
	return &budget{limited: limit > 0, remaining: limit}
}

func (b *budget) take() bool {
	if !b.limited {
		return true
	}
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

func (b *budget) exhausted() bool {
	return b.limited && b.remaining <= 0
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"atmosync/internal/core"
	"atmosync/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage implements storage.Store using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

var _ storage.Store = (*SQLiteStorage)(nil)

// New opens (and creates if needed) the mirror database at dbPath
func New(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection keeps PRAGMA settings and serializes writers
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// migrate creates the database schema
func (s *SQLiteStorage) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			latitude REAL NOT NULL DEFAULT 0,
			longitude REAL NOT NULL DEFAULT 0,
			altitude REAL NOT NULL DEFAULT 0,
			timezone TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS modules (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			module_type TEXT NOT NULL DEFAULT '',
			data_type TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (device_id) REFERENCES devices(id)
		);

		CREATE TABLE IF NOT EXISTS measurements (
			timestamp INTEGER NOT NULL,
			module_id TEXT NOT NULL,
			temperature REAL,
			humidity REAL,
			pressure REAL,
			co2 REAL,
			noise REAL,
			rain REAL,
			wind_strength REAL,
			wind_angle REAL,
			gust_strength REAL,
			gust_angle REAL,
			PRIMARY KEY (timestamp, module_id),
			FOREIGN KEY (module_id) REFERENCES modules(id)
		);

		CREATE INDEX IF NOT EXISTS idx_modules_device ON modules(device_id);
		CREATE INDEX IF NOT EXISTS idx_measurements_module ON measurements(module_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ApplySnapshot creates or updates every device and module in one
// transaction. Nothing is ever deleted here.
func (s *SQLiteStorage) ApplySnapshot(ctx context.Context, devices []core.DeviceUpdate, modules []core.ModuleUpdate) (storage.ApplyResult, error) {
	var result storage.ApplyResult

	for _, u := range devices {
		if err := u.Validate(); err != nil {
			return result, err
		}
	}
	for _, u := range modules {
		if err := u.Validate(); err != nil {
			return result, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	for _, u := range devices {
		existing, err := getDevice(ctx, tx, u.ID)
		switch {
		case err == core.ErrDeviceNotFound:
			d := core.NewDevice(u)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO devices (id, name, latitude, longitude, altitude, timezone)
				VALUES (?, ?, ?, ?, ?, ?)
			`, d.ID, d.Name, d.Latitude, d.Longitude, d.Altitude, d.Timezone); err != nil {
				return result, fmt.Errorf("failed to insert device %s: %w", u.ID, err)
			}
			result.DevicesCreated++
		case err != nil:
			return result, err
		default:
			existing.Apply(u)
			if _, err := tx.ExecContext(ctx, `
				UPDATE devices
				SET name = ?, latitude = ?, longitude = ?, altitude = ?, timezone = ?
				WHERE id = ?
			`, existing.Name, existing.Latitude, existing.Longitude, existing.Altitude, existing.Timezone, existing.ID); err != nil {
				return result, fmt.Errorf("failed to update device %s: %w", u.ID, err)
			}
			result.DevicesUpdated++
		}
	}

	for _, u := range modules {
		existing, err := getModule(ctx, tx, u.ID)
		switch {
		case err == core.ErrModuleNotFound:
			m := core.NewModule(u)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO modules (id, device_id, name, module_type, data_type)
				VALUES (?, ?, ?, ?, ?)
			`, m.ID, m.DeviceID, m.Name, m.ModuleType, core.JoinDataType(m.DataType)); err != nil {
				return result, fmt.Errorf("failed to insert module %s: %w", u.ID, err)
			}
			result.ModulesCreated++
		case err != nil:
			return result, err
		default:
			if existing.Apply(u) {
				result.Conflicts = append(result.Conflicts, u.ID)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE modules SET name = ?, data_type = ? WHERE id = ?
			`, existing.Name, core.JoinDataType(existing.DataType), existing.ID); err != nil {
				return result, fmt.Errorf("failed to update module %s: %w", u.ID, err)
			}
			result.ModulesUpdated++
		}
	}

	if err := tx.Commit(); err != nil {
		return result, err
	}
	return result, nil
}

// GetDevice retrieves a device with its modules
func (s *SQLiteStorage) GetDevice(ctx context.Context, id string) (*core.Device, error) {
	d, err := getDevice(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, name, module_type, data_type
		FROM modules WHERE device_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	d.Modules, err = scanModules(rows)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListDevices retrieves all devices without their modules
func (s *SQLiteStorage) ListDevices(ctx context.Context) ([]*core.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, latitude, longitude, altitude, timezone
		FROM devices ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*core.Device
	for rows.Next() {
		var d core.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.Latitude, &d.Longitude, &d.Altitude, &d.Timezone); err != nil {
			return nil, err
		}
		devices = append(devices, &d)
	}

	return devices, rows.Err()
}

// ListModules retrieves every module, grouped by device
func (s *SQLiteStorage) ListModules(ctx context.Context) ([]*core.Module, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, name, module_type, data_type
		FROM modules ORDER BY device_id, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanModules(rows)
}

// DeleteDevice removes a device, its modules and their measurements
func (s *SQLiteStorage) DeleteDevice(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := getDevice(ctx, tx, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM measurements
		WHERE module_id IN (SELECT id FROM modules WHERE device_id = ?)
	`, id); err != nil {
		return fmt.Errorf("failed to delete measurements: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM modules WHERE device_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete modules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}

	return tx.Commit()
}

// LatestTimestamp returns the newest stored timestamp of a module.
// ok is false when the module has no measurements.
func (s *SQLiteStorage) LatestTimestamp(ctx context.Context, moduleID string) (int64, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM measurements WHERE module_id = ?
	`, moduleID).Scan(&ts)
	if err != nil {
		return 0, false, err
	}
	return ts.Int64, ts.Valid, nil
}

var measurementColumns = func() string {
	names := []string{"timestamp", "module_id"}
	for _, c := range core.Columns {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}()

// InsertMeasurements stores rows in one transaction. Rows whose
// (timestamp, module) key already exists are skipped; the number of new rows
// is returned.
func (s *SQLiteStorage) InsertMeasurements(ctx context.Context, rows []core.Measurement) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(core.Columns)+2), ", ")
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO measurements (`+measurementColumns+`)
		VALUES (`+placeholders+`)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for i := range rows {
		m := &rows[i]
		args := []interface{}{m.Timestamp, m.ModuleID}
		for _, v := range m.Values() {
			args = append(args, nullFloat(v))
		}

		result, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to insert measurement %s@%d: %w", m.ModuleID, m.Timestamp, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListMeasurements returns a module's rows ordered by timestamp, optionally
// bounded by inclusive begin and end
func (s *SQLiteStorage) ListMeasurements(ctx context.Context, moduleID string, begin, end *int64) ([]core.Measurement, error) {
	query := `SELECT ` + measurementColumns + ` FROM measurements WHERE module_id = ?`
	args := []interface{}{moduleID}
	if begin != nil {
		query += ` AND timestamp >= ?`
		args = append(args, *begin)
	}
	if end != nil {
		query += ` AND timestamp <= ?`
		args = append(args, *end)
	}
	query += ` ORDER BY timestamp`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Measurement
	for rows.Next() {
		var m core.Measurement
		values := make([]sql.NullFloat64, len(core.Columns))
		dest := []interface{}{&m.Timestamp, &m.ModuleID}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, c := range core.Columns {
			if values[i].Valid {
				v := values[i].Float64
				m.Set(c, &v)
			}
		}
		out = append(out, m)
	}

	return out, rows.Err()
}

// Close closes the database connection
// Ping verifies the database is reachable
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Helper functions

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getDevice(ctx context.Context, q querier, id string) (*core.Device, error) {
	var d core.Device
	err := q.QueryRowContext(ctx, `
		SELECT id, name, latitude, longitude, altitude, timezone
		FROM devices WHERE id = ?
	`, id).Scan(&d.ID, &d.Name, &d.Latitude, &d.Longitude, &d.Altitude, &d.Timezone)

	if err == sql.ErrNoRows {
		return nil, core.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func getModule(ctx context.Context, q querier, id string) (*core.Module, error) {
	var m core.Module
	var dataType string
	err := q.QueryRowContext(ctx, `
		SELECT id, device_id, name, module_type, data_type
		FROM modules WHERE id = ?
	`, id).Scan(&m.ID, &m.DeviceID, &m.Name, &m.ModuleType, &dataType)

	if err == sql.ErrNoRows {
		return nil, core.ErrModuleNotFound
	}
	if err != nil {
		return nil, err
	}
	m.DataType = core.SplitDataType(dataType)
	return &m, nil
}

func scanModules(rows *sql.Rows) ([]*core.Module, error) {
	var modules []*core.Module
	for rows.Next() {
		var m core.Module
		var dataType string
		if err := rows.Scan(&m.ID, &m.DeviceID, &m.Name, &m.ModuleType, &dataType); err != nil {
			return nil, err
		}
		m.DataType = core.SplitDataType(dataType)
		modules = append(modules, &m)
	}
	return modules, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

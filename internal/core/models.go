package core

import (
	"errors"
	"strings"
)

// Device is a weather station as mirrored locally
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude"`
	Timezone  string    `json:"timezone"`
	Modules   []*Module `json:"modules,omitempty"` // populated by read queries only
}

// Module is a measuring unit attached to a device. Every device owns a main
// module whose ID equals the device ID.
type Module struct {
	ID         string   `json:"id"`
	DeviceID   string   `json:"device_id"`
	Name       string   `json:"name"`
	ModuleType string   `json:"module_type"`
	DataType   []string `json:"data_type"` // declared channels, e.g. "Temperature", "Wind"
}

// DeviceUpdate carries the remote attributes of a device
type DeviceUpdate struct {
	ID        string
	Name      string
	Latitude  float64
	Longitude float64
	Altitude  float64
	Timezone  string
}

// ModuleUpdate carries the remote attributes of a module
type ModuleUpdate struct {
	ID         string
	DeviceID   string
	Name       string
	ModuleType string
	DataType   []string
}

// Errors shared across packages
var (
	ErrPermissionDenied      = errors.New("required scope not granted")
	ErrRemoteFailure         = errors.New("remote request failed")
	ErrTokenUnavailable      = errors.New("no valid access token available")
	ErrConfigMismatch        = errors.New("persisted scope set does not match configured scope set")
	ErrPersistenceIncomplete = errors.New("token state is incomplete and was not persisted")
	ErrDeviceNotFound        = errors.New("device not found")
	ErrModuleNotFound        = errors.New("module not found")
	ErrInvalidDeviceID       = errors.New("invalid device ID")
	ErrInvalidModuleID       = errors.New("invalid module ID")
)

// Validate validates a DeviceUpdate
func (u DeviceUpdate) Validate() error {
	if u.ID == "" {
		return ErrInvalidDeviceID
	}
	return nil
}

// Validate validates a ModuleUpdate
func (u ModuleUpdate) Validate() error {
	if u.ID == "" {
		return ErrInvalidModuleID
	}
	if u.DeviceID == "" {
		return ErrInvalidDeviceID
	}
	return nil
}

// NewDevice creates a device from its first update
func NewDevice(u DeviceUpdate) *Device {
	d := &Device{ID: u.ID}
	d.Apply(u)
	return d
}

// Apply overwrites every non-key field from u. The ID is never changed.
func (d *Device) Apply(u DeviceUpdate) {
	d.Name = u.Name
	d.Latitude = u.Latitude
	d.Longitude = u.Longitude
	d.Altitude = u.Altitude
	d.Timezone = u.Timezone
}

// NewModule creates a module from its first update
func NewModule(u ModuleUpdate) *Module {
	return &Module{
		ID:         u.ID,
		DeviceID:   u.DeviceID,
		ModuleType: u.ModuleType,
		Name:       u.Name,
		DataType:   append([]string(nil), u.DataType...),
	}
}

// Apply refreshes the mutable fields of a module. DeviceID and ModuleType are
// identity once created; it reports whether u disagreed with them.
func (m *Module) Apply(u ModuleUpdate) (identityConflict bool) {
	identityConflict = u.DeviceID != m.DeviceID || u.ModuleType != m.ModuleType
	m.Name = u.Name
	m.DataType = append([]string(nil), u.DataType...)
	return identityConflict
}

// IsMain reports whether m is the synthetic main module of its device
func (m *Module) IsMain() bool {
	return m.ID == m.DeviceID
}

// JoinDataType encodes channels for storage
func JoinDataType(channels []string) string {
	return strings.Join(channels, ",")
}

// SplitDataType decodes channels from storage
func SplitDataType(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// StationsRequest selects which stations getstationsdata returns
type StationsRequest struct {
	DeviceID     string // optional; restricts the snapshot to one station
	GetFavorites *bool  // optional; include favorite stations
}

// StationsData is the body of a getstationsdata response
type StationsData struct {
	Devices []StationDevice `json:"devices"`
}

// StationDevice is a station and its attached modules
type StationDevice struct {
	ID          string          `json:"_id"`
	StationName string          `json:"station_name"`
	ModuleName  string          `json:"module_name"`
	Type        string          `json:"type"`
	DataType    []string        `json:"data_type"`
	Place       Place           `json:"place"`
	Modules     []StationModule `json:"modules"`
}

// Place locates a station. Location is [longitude, latitude].
type Place struct {
	Location []float64 `json:"location"`
	Altitude float64   `json:"altitude"`
	Timezone string    `json:"timezone"`
	City     string    `json:"city"`
	Country  string    `json:"country"`
}

// Longitude returns the first location coordinate
func (p Place) Longitude() float64 {
	if len(p.Location) < 1 {
		return 0
	}
	return p.Location[0]
}

// Latitude returns the second location coordinate
func (p Place) Latitude() float64 {
	if len(p.Location) < 2 {
		return 0
	}
	return p.Location[1]
}

// StationModule is a physical module attached to a station
type StationModule struct {
	ID         string   `json:"_id"`
	ModuleName string   `json:"module_name"`
	Type       string   `json:"type"`
	DataType   []string `json:"data_type"`
}

// MeasureRequest holds getmeasure parameters
type MeasureRequest struct {
	DeviceID  string
	ModuleID  string
	Scale     string   // "max", "30min", "1hour", ...
	Types     []string // measurement type names
	DateBegin *int64   // unix seconds, inclusive
	DateEnd   *int64
	Limit     int
	Optimize  bool
	RealTime  bool
}

// ValueBlock is a run of samples spaced StepTime seconds apart starting at
// BegTime. Each sample holds one value per requested type; nil means no data.
type ValueBlock struct {
	BegTime  int64        `json:"beg_time"`
	StepTime int64        `json:"step_time"`
	Value    [][]*float64 `json:"value"`
}

// MeasureData is the decoded body of a getmeasure response
type MeasureData struct {
	Blocks []ValueBlock
}

// UnmarshalJSON accepts both the optimized list encoding and the
// timestamp-keyed object returned when optimize is off.
func (m *MeasureData) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		m.Blocks = nil
		return nil
	}

	if data[0] == '[' {
		return json.Unmarshal(data, &m.Blocks)
	}

	var byTime map[string][]*float64
	if err := json.Unmarshal(data, &byTime); err != nil {
		return fmt.Errorf("unexpected measure body: %w", err)
	}
	blocks := make([]ValueBlock, 0, len(byTime))
	for key, values := range byTime {
		ts, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid measure timestamp %q: %w", key, err)
		}
		blocks = append(blocks, ValueBlock{BegTime: ts, Value: [][]*float64{values}})
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].BegTime < blocks[j].BegTime })
	m.Blocks = blocks
	return nil
}

type envelope[T any] struct {
	Body       T       `json:"body"`
	Status     string  `json:"status"`
	TimeExec   float64 `json:"time_exec"`
	TimeServer int64   `json:"time_server"`
}

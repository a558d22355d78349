package core

// Column is a physical measurement column
type Column string

const (
	ColumnTemperature  Column = "temperature"
	ColumnHumidity     Column = "humidity"
	ColumnPressure     Column = "pressure"
	ColumnCO2          Column = "co2"
	ColumnNoise        Column = "noise"
	ColumnRain         Column = "rain"
	ColumnWindStrength Column = "wind_strength"
	ColumnWindAngle    Column = "wind_angle"
	ColumnGustStrength Column = "gust_strength"
	ColumnGustAngle    Column = "gust_angle"
)

// Columns lists every measurement column in storage order
var Columns = []Column{
	ColumnTemperature,
	ColumnHumidity,
	ColumnPressure,
	ColumnCO2,
	ColumnNoise,
	ColumnRain,
	ColumnWindStrength,
	ColumnWindAngle,
	ColumnGustStrength,
	ColumnGustAngle,
}

// ChannelWind is reported by the API as one channel but delivers four values
const ChannelWind = "Wind"

var windColumns = []Column{ColumnWindStrength, ColumnWindAngle, ColumnGustStrength, ColumnGustAngle}

// apiNames maps columns to the measurement type names used by the API
var apiNames = map[Column]string{
	ColumnTemperature:  "Temperature",
	ColumnHumidity:     "Humidity",
	ColumnPressure:     "Pressure",
	ColumnCO2:          "CO2",
	ColumnNoise:        "Noise",
	ColumnRain:         "Rain",
	ColumnWindStrength: "WindStrength",
	ColumnWindAngle:    "WindAngle",
	ColumnGustStrength: "GustStrength",
	ColumnGustAngle:    "GustAngle",
}

var columnsByName = func() map[string]Column {
	m := make(map[string]Column, len(apiNames)*2)
	for c, name := range apiNames {
		m[name] = c
		m[string(c)] = c
	}
	return m
}()

// APIName returns the measurement type name the API uses for c
func (c Column) APIName() string {
	return apiNames[c]
}

// ChannelColumns returns the columns a declared channel fills, in the order
// the API delivers its values. ok is false for channels without a column.
func ChannelColumns(channel string) (columns []Column, ok bool) {
	if channel == ChannelWind {
		return append([]Column(nil), windColumns...), true
	}
	c, ok := columnsByName[channel]
	if !ok {
		return nil, false
	}
	return []Column{c}, true
}

// ExpandChannels maps declared channels to physical columns. Channels without
// a column are returned separately and must not be requested.
func ExpandChannels(channels []string) (columns []Column, unknown []string) {
	for _, ch := range channels {
		cols, ok := ChannelColumns(ch)
		if !ok {
			unknown = append(unknown, ch)
			continue
		}
		columns = append(columns, cols...)
	}
	return columns, unknown
}

// Measurement is one row of a module's time series
type Measurement struct {
	Timestamp    int64    `json:"timestamp"` // unix seconds
	ModuleID     string   `json:"module_id"`
	Temperature  *float64 `json:"temperature,omitempty"`
	Humidity     *float64 `json:"humidity,omitempty"`
	Pressure     *float64 `json:"pressure,omitempty"`
	CO2          *float64 `json:"co2,omitempty"`
	Noise        *float64 `json:"noise,omitempty"`
	Rain         *float64 `json:"rain,omitempty"`
	WindStrength *float64 `json:"wind_strength,omitempty"`
	WindAngle    *float64 `json:"wind_angle,omitempty"`
	GustStrength *float64 `json:"gust_strength,omitempty"`
	GustAngle    *float64 `json:"gust_angle,omitempty"`
}

// field returns the pointer slot backing column c
func (m *Measurement) field(c Column) **float64 {
	switch c {
	case ColumnTemperature:
		return &m.Temperature
	case ColumnHumidity:
		return &m.Humidity
	case ColumnPressure:
		return &m.Pressure
	case ColumnCO2:
		return &m.CO2
	case ColumnNoise:
		return &m.Noise
	case ColumnRain:
		return &m.Rain
	case ColumnWindStrength:
		return &m.WindStrength
	case ColumnWindAngle:
		return &m.WindAngle
	case ColumnGustStrength:
		return &m.GustStrength
	case ColumnGustAngle:
		return &m.GustAngle
	}
	return nil
}

// Set stores v in column c; it reports false for an unknown column
func (m *Measurement) Set(c Column, v *float64) bool {
	f := m.field(c)
	if f == nil {
		return false
	}
	*f = v
	return true
}

// Get returns the value of column c
func (m *Measurement) Get(c Column) *float64 {
	f := m.field(c)
	if f == nil {
		return nil
	}
	return *f
}

// Values returns the column values in storage order
func (m *Measurement) Values() []*float64 {
	out := make([]*float64, len(Columns))
	for i, c := range Columns {
		out[i] = m.Get(c)
	}
	return out
}

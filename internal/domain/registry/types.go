package registry

import (
	"encoding/json"
	"fmt"
)

// Submission is one raw report as received from a station: string keys mapped to string or
// numeric values.
type Submission map[string]any

// Submission keys understood by the registry.
const (
	KeyStationURL   = "station_url"
	KeyDescription  = "description"
	KeyLatitude     = "latitude"
	KeyLongitude    = "longitude"
	KeyStationType  = "station_type"
	KeyStationModel = "station_model"
	KeyWeewxInfo    = "weewx_info"
	KeyPythonInfo   = "python_info"
	KeyPlatformInfo = "platform_info"
	KeyConfigPath   = "config_path"
	KeyEntryPath    = "entry_path"
	KeyLastAddr     = "last_addr"
	KeyLastSeen     = "last_seen"
)

// Report is a stored station heartbeat. Empty optional strings mean the station did not send
// the value; they encode as JSON null so every column is present on the wire.
type Report struct {
	StationURL   string  `json:"station_url"`
	Description  string  `json:"description"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	StationType  string  `json:"station_type"`
	StationModel string  `json:"station_model"`
	WeewxInfo    string  `json:"weewx_info"`
	PythonInfo   string  `json:"python_info"`
	PlatformInfo string  `json:"platform_info"`
	ConfigPath   string  `json:"config_path"`
	EntryPath    string  `json:"entry_path"`
	LastAddr     string  `json:"last_addr"`
	LastSeen     int64   `json:"last_seen"`
}

type reportJSON struct {
	StationURL   string  `json:"station_url"`
	Description  *string `json:"description"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	StationType  *string `json:"station_type"`
	StationModel *string `json:"station_model"`
	WeewxInfo    *string `json:"weewx_info"`
	PythonInfo   *string `json:"python_info"`
	PlatformInfo *string `json:"platform_info"`
	ConfigPath   *string `json:"config_path"`
	EntryPath    *string `json:"entry_path"`
	LastAddr     *string `json:"last_addr"`
	LastSeen     int64   `json:"last_seen"`
}

// MarshalJSON writes every column, with null for values the station left out.
func (r Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(reportJSON{
		StationURL:   r.StationURL,
		Description:  nullable(r.Description),
		Latitude:     r.Latitude,
		Longitude:    r.Longitude,
		StationType:  nullable(r.StationType),
		StationModel: nullable(r.StationModel),
		WeewxInfo:    nullable(r.WeewxInfo),
		PythonInfo:   nullable(r.PythonInfo),
		PlatformInfo: nullable(r.PlatformInfo),
		ConfigPath:   nullable(r.ConfigPath),
		EntryPath:    nullable(r.EntryPath),
		LastAddr:     nullable(r.LastAddr),
		LastSeen:     r.LastSeen,
	})
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Field names a report attribute that statistics can be computed over.
type Field string

const (
	FieldStationType  Field = KeyStationType
	FieldStationModel Field = KeyStationModel
	FieldWeewxInfo    Field = KeyWeewxInfo
	FieldPythonInfo   Field = KeyPythonInfo
	FieldPlatformInfo Field = KeyPlatformInfo
	FieldConfigPath   Field = KeyConfigPath
	FieldEntryPath    Field = KeyEntryPath
)

// StatsFields lists every field accepted by the statistics queries.
var StatsFields = []Field{
	FieldStationType,
	FieldStationModel,
	FieldWeewxInfo,
	FieldPythonInfo,
	FieldPlatformInfo,
	FieldConfigPath,
	FieldEntryPath,
}

// ParseField validates a field name coming from a caller.
func ParseField(name string) (Field, error) {
	for _, f := range StatsFields {
		if string(f) == name {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown stats field %q", name)
}

// Column is the storage column backing the field. Only whitelisted fields reach SQL.
func (f Field) Column() string {
	return string(f)
}

// Value extracts the field from a report.
func (f Field) Value(r Report) string {
	switch f {
	case FieldStationType:
		return r.StationType
	case FieldStationModel:
		return r.StationModel
	case FieldWeewxInfo:
		return r.WeewxInfo
	case FieldPythonInfo:
		return r.PythonInfo
	case FieldPlatformInfo:
		return r.PlatformInfo
	case FieldConfigPath:
		return r.ConfigPath
	case FieldEntryPath:
		return r.EntryPath
	default:
		return ""
	}
}

// MissingValue is the stats key used for reports without a value for the requested field.
const MissingValue = "N/A"

// Series is the per-value time series of a statistics result.
type Series struct {
	Timestamps []int64
	Counts     []int64
}

// MarshalJSON encodes the series as [[timestamps...], [counts...]].
func (s Series) MarshalJSON() ([]byte, error) {
	ts := s.Timestamps
	if ts == nil {
		ts = []int64{}
	}
	counts := s.Counts
	if counts == nil {
		counts = []int64{}
	}
	return json.Marshal([2][]int64{ts, counts})
}

// UnmarshalJSON decodes the pair form produced by MarshalJSON.
func (s *Series) UnmarshalJSON(data []byte) error {
	var pair [2][]int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair[0]) != len(pair[1]) {
		return fmt.Errorf("series length mismatch: %d timestamps, %d counts", len(pair[0]), len(pair[1]))
	}
	s.Timestamps, s.Counts = pair[0], pair[1]
	return nil
}

// Stats maps field values to their bucketed station counts.
type Stats map[string]Series

// Outcome is the result of admitting a submission: either Accepted or Rejected.
type Outcome interface {
	outcome()
}

// Accepted carries the validated report.
type Accepted struct {
	Report Report
	// PriorSeen is the station's previous most recent last_seen; zero when FirstSeen.
	PriorSeen int64
	FirstSeen bool
}

// Rejected explains why a submission was turned down.
type Rejected struct {
	Code   string
	Reason string
	Status int
}

func (Accepted) outcome() {}
func (Rejected) outcome() {}

// Diagnostic records a non-fatal normalization applied by the sanitizer.
type Diagnostic struct {
	Field   string
	Message string
}

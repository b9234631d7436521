package registry

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/yanqian/weereg/pkg/errors"
)

// Rejection codes returned by the admission policy.
const (
	CodeMissingStationURL      = "missing_station_url"
	CodeInvalidStationURL      = "invalid_station_url"
	CodeSillyStationURL        = "silly_station_url"
	CodeMalformedCoordinates   = "malformed_coordinates"
	CodeCoordinatesOutOfRange  = "coordinates_out_of_range"
	CodeRegisteringTooFrequent = "too_frequent"
)

var (
	rejectMissingURL = Rejected{Code: CodeMissingStationURL, Reason: "missing station_url", Status: http.StatusBadRequest}
	rejectInvalidURL = Rejected{Code: CodeInvalidStationURL, Reason: "invalid station_url", Status: http.StatusBadRequest}
	rejectSillyURL   = Rejected{Code: CodeSillyStationURL, Reason: "not a serious station_url", Status: http.StatusBadRequest}
	rejectMalformed  = Rejected{Code: CodeMalformedCoordinates, Reason: "missing or malformed coordinates", Status: http.StatusBadRequest}
	rejectOutOfRange = Rejected{Code: CodeCoordinatesOutOfRange, Reason: "coordinates out of range", Status: http.StatusBadRequest}
	rejectTooOften   = Rejected{Code: CodeRegisteringTooFrequent, Reason: "registering too frequently", Status: http.StatusTooManyRequests}
)

// lastSeenLookup is the slice of Repository the policy needs.
type lastSeenLookup interface {
	MaxLastSeen(ctx context.Context, stationURL string) (int64, bool, error)
}

// Policy decides whether a sanitized submission is stored.
type Policy struct {
	cfg      Config
	lookup   lastSeenLookup
	validate *validator.Validate
}

// NewPolicy builds the admission policy.
func NewPolicy(cfg Config, lookup lastSeenLookup) *Policy {
	return &Policy{
		cfg:      cfg.withDefaults(),
		lookup:   lookup,
		validate: validator.New(),
	}
}

// Admit runs the checks in order and returns the first failing one as a Rejected outcome.
// The submission must already carry last_seen and last_addr. Only storage failures are
// returned as errors.
func (p *Policy) Admit(ctx context.Context, sub Submission) (Outcome, error) {
	stationURL, _ := stringValue(sub[KeyStationURL])
	if stationURL == "" {
		return rejectMissingURL, nil
	}
	if !p.validURL(stationURL) {
		return rejectInvalidURL, nil
	}
	if p.silly(stationURL) {
		return rejectSillyURL, nil
	}

	lat, latOK := floatValue(sub[KeyLatitude])
	lon, lonOK := floatValue(sub[KeyLongitude])
	if !latOK || !lonOK {
		return rejectMalformed, nil
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return rejectOutOfRange, nil
	}

	report := buildReport(sub)
	report.StationURL = stationURL
	report.Latitude = lat
	report.Longitude = lon

	prior, seen, err := p.lookup.MaxLastSeen(ctx, stationURL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, "last seen lookup failed", err)
	}
	if seen && report.LastSeen-prior < int64(p.cfg.MinDelay.Seconds()) {
		return rejectTooOften, nil
	}

	accepted := Accepted{Report: report, FirstSeen: !seen}
	if seen {
		accepted.PriorSeen = prior
	}
	return accepted, nil
}

func (p *Policy) validURL(raw string) bool {
	if err := p.validate.Var(raw, "url"); err != nil {
		return false
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return parsed.IsAbs() && parsed.Host != ""
}

func (p *Policy) silly(raw string) bool {
	lowered := strings.ToLower(raw)
	for _, sub := range p.cfg.SillyURLs {
		if sub != "" && strings.Contains(lowered, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

func buildReport(sub Submission) Report {
	text := func(key string) string {
		v, _ := stringValue(sub[key])
		return v
	}
	lastSeen, _ := intValue(sub[KeyLastSeen])
	return Report{
		Description:  text(KeyDescription),
		StationType:  text(KeyStationType),
		StationModel: text(KeyStationModel),
		WeewxInfo:    text(KeyWeewxInfo),
		PythonInfo:   text(KeyPythonInfo),
		PlatformInfo: text(KeyPlatformInfo),
		ConfigPath:   text(KeyConfigPath),
		EntryPath:    text(KeyEntryPath),
		LastAddr:     text(KeyLastAddr),
		LastSeen:     lastSeen,
	}
}

func stringValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func floatValue(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func intValue(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(math.Round(t)), true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}
		f, err := t.Float64()
		return int64(math.Round(f)), err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

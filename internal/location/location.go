// Package location implements the realtime location pipeline: ingest of device
// samples into per-family append-only logs, latest-location caching, fan-out of
// broadcasts, and cursor-based history reads.
package location

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/hearth-app/hearth-server/internal/kv"
)

const (
	// lastLocationTTL bounds how long a cached latest location is served after the
	// device goes quiet.
	lastLocationTTL = 5 * time.Minute

	// DefaultHistoryLimit is applied when a history read does not name a limit.
	DefaultHistoryLimit = 100

	// MaxHistoryLimit caps a single history page.
	MaxHistoryLimit = 1000

	// trimEvery is the append cadence at which the family log is trimmed back to
	// its soft cap.
	trimEvery = 100

	// recoverScan is how many log entries are scanned newest-first when latest
	// locations must be rebuilt after cache expiry.
	recoverScan = 1000
)

// ErrBadSample rejects a sample with out-of-range or missing fields.
var ErrBadSample = errors.New("invalid location sample")

// LogKey is the append-only log holding a family's location records.
func LogKey(familyID string) string { return "locations:family:" + familyID }

// LastKey is the cache key holding a member's latest location within a family.
func LastKey(userID, familyID string) string {
	return "user:" + userID + ":family:" + familyID + ":last_location"
}

// Sample is one device location report. Timestamp carries the device clock and
// ServerTimestamp the ingest clock, both in Unix milliseconds.
type Sample struct {
	UserID          string   `json:"user_id"`
	FamilyID        string   `json:"family_id"`
	Latitude        float64  `json:"latitude"`
	Longitude       float64  `json:"longitude"`
	Accuracy        float64  `json:"accuracy"`
	Altitude        *float64 `json:"altitude,omitempty"`
	Bearing         *float64 `json:"bearing,omitempty"`
	Speed           *float64 `json:"speed,omitempty"`
	Timestamp       int64    `json:"timestamp"`
	BatteryLevel    int      `json:"battery_level"`
	BatteryState    string   `json:"battery_state,omitempty"`
	ServerTimestamp int64    `json:"server_timestamp"`
}

// Validate checks the ranges a sample must satisfy before it is accepted.
func (s *Sample) Validate() error {
	switch {
	case s.UserID == "" || s.FamilyID == "":
		return errors.New("invalid location sample: missing user or family")
	case s.Latitude < -90 || s.Latitude > 90:
		return errors.New("invalid location sample: latitude out of range")
	case s.Longitude < -180 || s.Longitude > 180:
		return errors.New("invalid location sample: longitude out of range")
	case s.Accuracy < 0:
		return errors.New("invalid location sample: negative accuracy")
	case s.BatteryLevel < 0 || s.BatteryLevel > 100:
		return errors.New("invalid location sample: battery level out of range")
	}
	return nil
}

// fields flattens the sample into log record fields. Optional fields are written
// only when present.
func (s *Sample) fields() map[string]any {
	f := map[string]any{
		"user_id":          s.UserID,
		"family_id":        s.FamilyID,
		"latitude":         strconv.FormatFloat(s.Latitude, 'f', -1, 64),
		"longitude":        strconv.FormatFloat(s.Longitude, 'f', -1, 64),
		"accuracy":         strconv.FormatFloat(s.Accuracy, 'f', -1, 64),
		"timestamp":        strconv.FormatInt(s.Timestamp, 10),
		"battery_level":    strconv.Itoa(s.BatteryLevel),
		"server_timestamp": strconv.FormatInt(s.ServerTimestamp, 10),
	}
	if s.Altitude != nil {
		f["altitude"] = strconv.FormatFloat(*s.Altitude, 'f', -1, 64)
	}
	if s.Bearing != nil {
		f["bearing"] = strconv.FormatFloat(*s.Bearing, 'f', -1, 64)
	}
	if s.Speed != nil {
		f["speed"] = strconv.FormatFloat(*s.Speed, 'f', -1, 64)
	}
	if s.BatteryState != "" {
		f["battery_state"] = s.BatteryState
	}
	return f
}

func unmarshalSample(raw string, dst *Sample) error {
	return json.Unmarshal([]byte(raw), dst)
}

// sampleFromEntry decodes a log record back into a sample. Coordinates are required;
// a record without parseable coordinates is unusable and rejected. Battery level
// defaults to 100 when absent, matching records written before the field existed.
func sampleFromEntry(e kv.Entry) (Sample, error) {
	f := e.Fields
	s := Sample{
		UserID:       f["user_id"],
		FamilyID:     f["family_id"],
		BatteryLevel: 100,
		BatteryState: f["battery_state"],
	}
	if s.UserID == "" {
		return Sample{}, errors.New("location record missing user_id")
	}

	var err error
	if s.Latitude, err = strconv.ParseFloat(f["latitude"], 64); err != nil {
		return Sample{}, errors.New("location record with unparseable latitude")
	}
	if s.Longitude, err = strconv.ParseFloat(f["longitude"], 64); err != nil {
		return Sample{}, errors.New("location record with unparseable longitude")
	}
	if v, err := strconv.ParseFloat(f["accuracy"], 64); err == nil {
		s.Accuracy = v
	}
	if v, err := strconv.ParseInt(f["timestamp"], 10, 64); err == nil {
		s.Timestamp = v
	}
	if v, err := strconv.ParseInt(f["server_timestamp"], 10, 64); err == nil {
		s.ServerTimestamp = v
	}
	if v, err := strconv.Atoi(f["battery_level"]); err == nil {
		s.BatteryLevel = v
	}
	for name, dst := range map[string]**float64{
		"altitude": &s.Altitude,
		"bearing":  &s.Bearing,
		"speed":    &s.Speed,
	} {
		if raw, ok := f[name]; ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				val := v
				*dst = &val
			}
		}
	}
	return s, nil
}

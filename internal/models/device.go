// Package models defines the wire and domain types of the cloud device API.
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// PowerState is the on/off state of a device as the API spells it.
type PowerState string

const (
	PowerOn  PowerState = "on"
	PowerOff PowerState = "off"
)

// PowerFromBool converts a boolean switch value to a PowerState.
func PowerFromBool(on bool) PowerState {
	if on {
		return PowerOn
	}
	return PowerOff
}

// Device is one entry of GET /v1/devices.
type Device struct {
	ID         DeviceID   `json:"id"`
	Name       string     `json:"name"`
	Model      string     `json:"model"`
	Online     bool       `json:"online"`
	Power      PowerState `json:"power"`
	Brightness int        `json:"brightness"`
}

// DeviceList is the response body of GET /v1/devices.
type DeviceList struct {
	Devices []Device `json:"devices"`
}

// DeviceStatus is the response body of GET /v1/devices/{id}/status.
type DeviceStatus struct {
	ID         DeviceID   `json:"id"`
	Online     bool       `json:"online"`
	Power      PowerState `json:"power"`
	Brightness int        `json:"brightness"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Attributes flattens a status into the map stored in snapshots and events.
func (s DeviceStatus) Attributes() map[string]any {
	return map[string]any{
		"online":     s.Online,
		"power":      string(s.Power),
		"brightness": s.Brightness,
	}
}

// Attributes flattens a device list entry into the snapshot attribute map.
func (d Device) Attributes() map[string]any {
	return map[string]any{
		"name":       d.Name,
		"model":      d.Model,
		"online":     d.Online,
		"power":      string(d.Power),
		"brightness": d.Brightness,
	}
}

// PowerRequest is the body of PUT /v1/devices/{id}/power.
type PowerRequest struct {
	Power PowerState `json:"power"`
}

// BrightnessRequest is the body of PUT /v1/devices/{id}/brightness.
type BrightnessRequest struct {
	Brightness int `json:"brightness"`
}

// DeviceUpdate is a pushed device-state change, already matched to a known device.
type DeviceUpdate struct {
	DeviceID   string
	Attributes map[string]any
	ReceivedAt time.Time
}

// DeviceID is a device identifier that accepts either a JSON string or a JSON
// number on the wire and always holds the canonical string form.
type DeviceID string

// UnmarshalJSON accepts "123", 123 and 123.0 as the same identifier.
func (id *DeviceID) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s, err := NormalizeID(raw)
	if err != nil {
		return err
	}
	*id = DeviceID(s)
	return nil
}

// String returns the canonical identifier.
func (id DeviceID) String() string { return string(id) }

// NormalizeID converts a decoded JSON identifier into its canonical string.
// Integral numbers lose any fractional ".0"; strings are trimmed.
func NormalizeID(v any) (string, error) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return "", fmt.Errorf("empty device id")
		}
		return s, nil
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return strconv.FormatInt(int64(t), 10), nil
		}
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		f, err := t.Float64()
		if err != nil {
			return "", fmt.Errorf("invalid device id %q", t.String())
		}
		return NormalizeID(f)
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case nil:
		return "", fmt.Errorf("missing device id")
	default:
		return "", fmt.Errorf("unsupported device id type %T", v)
	}
}

package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		in      any
		want    string
		wantErr bool
	}{
		{"abc", "abc", false},
		{" 42 ", "42", false},
		{float64(42), "42", false},
		{float64(42.5), "42.5", false},
		{json.Number("17"), "17", false},
		{7, "7", false},
		{"", "", true},
		{nil, "", true},
		{true, "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeID(%#v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeID(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeviceIDAcceptsNumberOrString(t *testing.T) {
	var list DeviceList
	body := `{"devices":[{"id":1001,"name":"Lamp","power":"on","brightness":30},{"id":"1001","name":"Same"}]}`
	if err := json.Unmarshal([]byte(body), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list.Devices) != 2 {
		t.Fatalf("got %d devices", len(list.Devices))
	}
	if list.Devices[0].ID != list.Devices[1].ID {
		t.Errorf("ids differ: %q vs %q", list.Devices[0].ID, list.Devices[1].ID)
	}
	if list.Devices[0].Power != PowerOn {
		t.Errorf("power = %q", list.Devices[0].Power)
	}
}

func TestTokenValid(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tok := Token{Value: "t", ExpiresAt: now.Add(10 * time.Minute)}
	if !tok.Valid(now, 5*time.Minute) {
		t.Error("token with 10m left should be valid under a 5m margin")
	}
	if tok.Valid(now, 15*time.Minute) {
		t.Error("token with 10m left should not be valid under a 15m margin")
	}
	if (Token{ExpiresAt: now.Add(time.Hour)}).Valid(now, 0) {
		t.Error("empty token should never be valid")
	}
}

func TestPowerFromBool(t *testing.T) {
	if PowerFromBool(true) != PowerOn || PowerFromBool(false) != PowerOff {
		t.Error("PowerFromBool mapping wrong")
	}
}

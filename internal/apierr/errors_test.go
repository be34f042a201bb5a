package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

func TestIsMatchesKindAndParent(t *testing.T) {
	expired := New(KindTokenExpired, "getDevices", "token expired")
	if !errors.Is(expired, ErrTokenExpired) {
		t.Error("token_expired should match ErrTokenExpired")
	}
	if !errors.Is(expired, ErrAuthentication) {
		t.Error("token_expired should refine ErrAuthentication")
	}
	if errors.Is(expired, ErrNetwork) {
		t.Error("token_expired should not match ErrNetwork")
	}

	timeout := Wrap(KindTimeout, "setPower", errors.New("deadline"))
	if !errors.Is(timeout, ErrNetwork) {
		t.Error("timeout should refine ErrNetwork")
	}
	if errors.Is(Wrap(KindNetwork, "x", nil), ErrTimeout) {
		t.Error("network should not match ErrTimeout")
	}
}

func TestIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", CircuitOpen("getDevices", 10*time.Second))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("wrapped circuit_open not detected")
	}
	if KindOf(err) != KindCircuitOpen {
		t.Errorf("KindOf = %q", KindOf(err))
	}
}

func TestDefaultRetryable(t *testing.T) {
	tests := []struct {
		err  *Error
		want bool
	}{
		{New(KindNetwork, "op", ""), true},
		{New(KindTimeout, "op", ""), true},
		{RateLimited("op", time.Second), true},
		{New(KindValidation, "op", ""), false},
		{New(KindConfig, "op", ""), false},
		{New(KindAuthentication, "op", ""), false},
		{CircuitOpen("op", time.Second), false},
		{FromStatus("op", 502, "bad gateway", 0, ""), true},
		{FromStatus("op", 400, "bad request", 0, ""), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.err.Kind, got, tt.want)
		}
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		deviceID string
		want     Kind
	}{
		{"unauthorized", 401, "invalid credentials", "", KindAuthentication},
		{"expired", 401, `{"error":"token expired"}`, "", KindTokenExpired},
		{"not found device", 404, "", "d1", KindDeviceNotFound},
		{"not found account", 404, "", "", KindInvalidResponse},
		{"rate limited", 429, "slow down", "", KindRateLimited},
		{"offline", 409, "device offline", "d1", KindDeviceOffline},
		{"server", 500, "boom", "", KindInvalidResponse},
		{"client", 422, "bad value", "d1", KindInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := FromStatus("op", tt.status, tt.body, 0, tt.deviceID)
			if e.Kind != tt.want {
				t.Errorf("kind = %s, want %s", e.Kind, tt.want)
			}
			if e.HTTPStatus != tt.status {
				t.Errorf("status = %d", e.HTTPStatus)
			}
		})
	}
}

func TestIsInfrastructure(t *testing.T) {
	if !IsInfrastructure(New(KindNetwork, "op", "")) {
		t.Error("network should be infrastructure")
	}
	if !IsInfrastructure(New(KindTimeout, "op", "")) {
		t.Error("timeout should be infrastructure")
	}
	if !IsInfrastructure(FromStatus("op", 503, "unavailable", 0, "")) {
		t.Error("503 should be infrastructure")
	}
	if IsInfrastructure(FromStatus("op", 400, "bad", 0, "")) {
		t.Error("400 should not be infrastructure")
	}
	if IsInfrastructure(FromStatus("op", 401, "no", 0, "")) {
		t.Error("401 should not be infrastructure")
	}
	if IsInfrastructure(errors.New("plain")) {
		t.Error("untyped errors are not infrastructure")
	}
}

func TestRetryAfterOf(t *testing.T) {
	d, ok := RetryAfterOf(RateLimited("setPower", 1500*time.Millisecond))
	if !ok || d != 1500*time.Millisecond {
		t.Errorf("RetryAfterOf = %v, %v", d, ok)
	}
	if _, ok := RetryAfterOf(CircuitOpen("x", time.Second)); ok {
		t.Error("circuit_open wait must not be treated as a server retry-after")
	}
}

func TestErrorMessageIsRedacted(t *testing.T) {
	e := Wrap(KindAuthentication, "login", errors.New(`rejected {"email":"bob@example.com","password":"hunter2"}`))
	msg := e.Error()
	if strings.Contains(msg, "bob@example.com") || strings.Contains(msg, "hunter2") {
		t.Errorf("Error() leaked credentials: %s", msg)
	}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "hunter2") || strings.Contains(string(data), "bob@example.com") {
		t.Errorf("MarshalJSON leaked credentials: %s", data)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["code"] != "authentication" {
		t.Errorf("code = %v", decoded["code"])
	}
	if decoded["isRetryable"] != false {
		t.Errorf("isRetryable = %v", decoded["isRetryable"])
	}
}

func TestClassify(t *testing.T) {
	if Classify("op", nil) != nil {
		t.Fatal("nil must stay nil")
	}

	typed := New(KindDeviceOffline, "op", "offline")
	if Classify("other", typed) != error(typed) {
		t.Error("typed errors pass through")
	}

	if got := Classify("op", context.Canceled); got != context.Canceled {
		t.Errorf("cancellation must not be reclassified, got %v", got)
	}

	timeout := Classify("op", context.DeadlineExceeded)
	if !errors.Is(timeout, ErrTimeout) || !errors.Is(timeout, ErrNetwork) {
		t.Errorf("deadline should classify as timeout, got %v", timeout)
	}
	if !IsRetryable(timeout) || !IsInfrastructure(timeout) {
		t.Error("timeouts are retryable infrastructure failures")
	}

	refused := Classify("op", &net.OpError{Op: "dial", Err: errors.New("connection refused")})
	if KindOf(refused) != KindNetwork {
		t.Errorf("dial failure kind = %q", KindOf(refused))
	}

	var v struct{ A int }
	parseErr := json.Unmarshal([]byte(`{"A":"x"}`), &v)
	if KindOf(Classify("op", parseErr)) != KindParse {
		t.Errorf("json type error should classify as parse")
	}
}

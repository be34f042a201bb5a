package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/hearthlink/hearthlink/internal/apierr"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.conf"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WriteLimit != 300 || cfg.WriteWindow != time.Minute {
		t.Errorf("write limit defaults = %d/%s", cfg.WriteLimit, cfg.WriteWindow)
	}
	if cfg.CacheTTL != 2*time.Second {
		t.Errorf("cache ttl default = %s", cfg.CacheTTL)
	}
	if cfg.TokenMode != TokenModeMessage {
		t.Errorf("token mode default = %q", cfg.TokenMode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearthlink.conf")
	content := `[cloud]
base_url = https://cloud.test
realtime_url = wss://push.cloud.test/ws
email = alice@example.com
request_timeout_seconds = 4

[ratelimit]
write_limit = 10
write_window_seconds = 5

[breaker]
failure_threshold = 3
reset_timeout_seconds = 12

[cache]
ttl_ms = 750
max_size = 20
touch_on_access = true

[realtime]
token_mode = Header

[state]
path = ~/hl/devices.json

[proxy]
mode = basic
host = proxy.corp
port = 3128
no_proxy = *.local

[mqtt]
broker = tcp://localhost:1883
qos = 0
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.BaseURL != "https://cloud.test" || cfg.Email != "alice@example.com" {
		t.Errorf("cloud section not parsed: %+v", cfg)
	}
	if cfg.RequestTimeout != 4*time.Second {
		t.Errorf("request timeout = %s", cfg.RequestTimeout)
	}
	if cfg.WriteLimit != 10 || cfg.WriteWindow != 5*time.Second {
		t.Errorf("ratelimit = %d/%s", cfg.WriteLimit, cfg.WriteWindow)
	}
	if cfg.FailureThreshold != 3 || cfg.ResetTimeout != 12*time.Second {
		t.Errorf("breaker = %d/%s", cfg.FailureThreshold, cfg.ResetTimeout)
	}
	if cfg.CacheTTL != 750*time.Millisecond || cfg.CacheMaxSize != 20 || !cfg.CacheTouchOnAccess {
		t.Errorf("cache = %s/%d/%t", cfg.CacheTTL, cfg.CacheMaxSize, cfg.CacheTouchOnAccess)
	}
	if cfg.TokenMode != TokenModeHeader {
		t.Errorf("token mode = %q", cfg.TokenMode)
	}
	if strings.HasPrefix(cfg.StatePath, "~") {
		t.Errorf("state path not expanded: %q", cfg.StatePath)
	}
	if cfg.ProxyMode != "basic" || cfg.ProxyHost != "proxy.corp" || cfg.ProxyPort != 3128 || cfg.NoProxy != "*.local" {
		t.Errorf("proxy = %+v", cfg)
	}
	if cfg.MQTTBroker != "tcp://localhost:1883" || cfg.MQTTQoS != 0 {
		t.Errorf("mqtt = %q qos %d", cfg.MQTTBroker, cfg.MQTTQoS)
	}
	if cfg.Scope() != "alice@example.com" {
		t.Errorf("scope = %q", cfg.Scope())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "hearthlink.conf")
	cfg := NewConfig()
	cfg.Email = "bob@example.com"
	cfg.WriteLimit = 42
	cfg.CacheTouchOnAccess = true
	cfg.MetricsListen = ":9464"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("config permissions = %v, want 0600", info.Mode().Perm())
		}
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Email != "bob@example.com" || loaded.WriteLimit != 42 || !loaded.CacheTouchOnAccess || loaded.MetricsListen != ":9464" {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
	if loaded.Password != "" {
		t.Error("empty password should not be written")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvEmail, "env@example.com")
	t.Setenv(EnvPassword, "s3cret")
	t.Setenv(EnvBaseURL, "")

	cfg := NewConfig()
	applied := cfg.ApplyEnv()

	if cfg.Email != "env@example.com" || cfg.Password != "s3cret" {
		t.Errorf("env not applied: %q", cfg.Email)
	}
	if len(applied) != 2 {
		t.Errorf("applied = %v", applied)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad base url", func(c *Config) { c.BaseURL = "not a url" }},
		{"bad realtime url", func(c *Config) { c.RealtimeURL = "https://wrong.scheme" }},
		{"bad token mode", func(c *Config) { c.TokenMode = "cookie" }},
		{"zero limit", func(c *Config) { c.WriteLimit = 0 }},
		{"zero threshold", func(c *Config) { c.FailureThreshold = 0 }},
		{"zero ttl", func(c *Config) { c.CacheTTL = 0 }},
		{"bad proxy", func(c *Config) { c.ProxyMode = "socks" }},
		{"bad qos", func(c *Config) { c.MQTTQoS = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, apierr.ErrConfig) {
				t.Errorf("expected config error, got %v", err)
			}
			if apierr.IsRetryable(err) {
				t.Error("config errors must not be retryable")
			}
		})
	}
}

func TestValidateRealtimeDisabledSkipsURL(t *testing.T) {
	cfg := NewConfig()
	cfg.RealtimeEnabled = false
	cfg.RealtimeURL = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateForLogin(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.ValidateForLogin(); err == nil {
		t.Error("missing email should fail")
	}
	cfg.Email = "a@example.com"
	if err := cfg.ValidateForLogin(); err == nil {
		t.Error("missing password should fail")
	}
	cfg.Password = "pw"
	if err := cfg.ValidateForLogin(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

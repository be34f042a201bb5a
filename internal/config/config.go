// Package config provides configuration management for hearthlink.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/hearthlink/hearthlink/internal/apierr"
	"github.com/hearthlink/hearthlink/internal/constants"
)

// Realtime token placement modes.
const (
	TokenModeMessage = "message" // token sent in the subscribe message
	TokenModeQuery   = "query"   // token appended as ?token=
	TokenModeHeader  = "header"  // Authorization: Bearer header on the handshake
)

// Environment overrides.
const (
	EnvEmail    = "HEARTHLINK_EMAIL"
	EnvPassword = "HEARTHLINK_PASSWORD"
	EnvBaseURL  = "HEARTHLINK_BASE_URL"
)

// Config is the complete client configuration.
//
// Config file location:
//   - Windows: %USERPROFILE%\.config\hearthlink\hearthlink.conf
//   - Unix: ~/.config/hearthlink/hearthlink.conf
//
// INI format:
//
//	[cloud]
//	base_url = https://api.example-cloud.com
//	realtime_url = wss://push.example-cloud.com/v1/ws
//	email = user@example.com
//	request_timeout_seconds = 10
//
//	[ratelimit]
//	write_limit = 300
//	write_window_seconds = 60
type Config struct {
	// Cloud connection
	BaseURL        string
	RealtimeURL    string
	Email          string
	Password       string
	AccountScope   string // subscribe scope; defaults to the account email
	RequestTimeout time.Duration

	// Write admission
	WriteLimit  int
	WriteWindow time.Duration

	// Circuit breaker
	FailureThreshold int
	ResetTimeout     time.Duration
	MaxResetTimeout  time.Duration

	// Response cache
	CacheTTL           time.Duration
	CacheMaxSize       int
	CacheTouchOnAccess bool

	// Realtime channel
	RealtimeEnabled     bool
	TokenMode           string // "message", "query", "header"
	RealtimeMaxAttempts int

	// Persistence
	StatePath      string
	TokenCachePath string

	// Proxy settings
	ProxyMode     string // "no-proxy", "ntlm", "basic", "system"
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string
	NoProxy       string // Comma-separated list of hosts to bypass proxy
	ProxyWarmup   bool

	// MQTT relay (disabled when Broker is empty)
	MQTTBroker      string
	MQTTTopicPrefix string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTQoS         int

	// Metrics listener (disabled when empty), e.g. ":9464"
	MetricsListen string

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"

	// Path the config was loaded from, if any.
	Path string
}

// NewConfig returns a Config with default values.
func NewConfig() *Config {
	dir := ConfigDir()
	return &Config{
		BaseURL:             "https://api.example-cloud.com",
		RealtimeURL:         "wss://push.example-cloud.com/v1/ws",
		RequestTimeout:      constants.RequestTimeout,
		WriteLimit:          constants.WriteRateLimit,
		WriteWindow:         constants.WriteRateWindow,
		FailureThreshold:    constants.BreakerFailureThreshold,
		ResetTimeout:        constants.BreakerResetTimeout,
		MaxResetTimeout:     constants.BreakerMaxResetTimeout,
		CacheTTL:            constants.CacheTTL,
		CacheMaxSize:        constants.CacheMaxSize,
		RealtimeEnabled:     true,
		TokenMode:           TokenModeMessage,
		RealtimeMaxAttempts: constants.RealtimeMaxAttempts,
		StatePath:           filepath.Join(dir, "devices.json"),
		TokenCachePath:      filepath.Join(dir, "token.json"),
		ProxyMode:           "no-proxy",
		MQTTTopicPrefix:     "hearthlink",
		MQTTClientID:        "hearthlink",
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// ConfigDir returns the hearthlink configuration directory.
func ConfigDir() string {
	if runtime.GOOS == "windows" {
		if profile := os.Getenv("USERPROFILE"); profile != "" {
			return filepath.Join(profile, ".config", "hearthlink")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "hearthlink")
	}
	return filepath.Join(home, ".config", "hearthlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "hearthlink.conf")
}

// Load reads configuration from an INI file.
// If the file doesn't exist, returns a config with default values and no error.
// If the file exists but is invalid, returns an error.
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path == "" {
		path = DefaultConfigPath()
	}
	cfg.Path = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, apierr.Config("failed to load %s: %v", path, err)
	}

	cloud := f.Section("cloud")
	cfg.BaseURL = cloud.Key("base_url").MustString(cfg.BaseURL)
	cfg.RealtimeURL = cloud.Key("realtime_url").MustString(cfg.RealtimeURL)
	cfg.Email = cloud.Key("email").String()
	cfg.Password = cloud.Key("password").String()
	cfg.AccountScope = cloud.Key("account_scope").String()
	cfg.RequestTimeout = seconds(cloud.Key("request_timeout_seconds"), cfg.RequestTimeout)

	rl := f.Section("ratelimit")
	cfg.WriteLimit = rl.Key("write_limit").MustInt(cfg.WriteLimit)
	cfg.WriteWindow = seconds(rl.Key("write_window_seconds"), cfg.WriteWindow)

	br := f.Section("breaker")
	cfg.FailureThreshold = br.Key("failure_threshold").MustInt(cfg.FailureThreshold)
	cfg.ResetTimeout = seconds(br.Key("reset_timeout_seconds"), cfg.ResetTimeout)
	cfg.MaxResetTimeout = seconds(br.Key("max_reset_timeout_seconds"), cfg.MaxResetTimeout)

	ca := f.Section("cache")
	cfg.CacheTTL = time.Duration(ca.Key("ttl_ms").MustInt64(cfg.CacheTTL.Milliseconds())) * time.Millisecond
	cfg.CacheMaxSize = ca.Key("max_size").MustInt(cfg.CacheMaxSize)
	cfg.CacheTouchOnAccess = ca.Key("touch_on_access").MustBool(false)

	rt := f.Section("realtime")
	cfg.RealtimeEnabled = rt.Key("enabled").MustBool(cfg.RealtimeEnabled)
	cfg.TokenMode = strings.ToLower(rt.Key("token_mode").MustString(cfg.TokenMode))
	cfg.RealtimeMaxAttempts = rt.Key("max_attempts").MustInt(cfg.RealtimeMaxAttempts)

	st := f.Section("state")
	cfg.StatePath = expandHome(st.Key("path").MustString(cfg.StatePath))
	cfg.TokenCachePath = expandHome(st.Key("token_cache").MustString(cfg.TokenCachePath))

	px := f.Section("proxy")
	cfg.ProxyMode = strings.ToLower(px.Key("mode").MustString(cfg.ProxyMode))
	cfg.ProxyHost = px.Key("host").String()
	cfg.ProxyPort = px.Key("port").MustInt(0)
	cfg.ProxyUser = px.Key("user").String()
	cfg.ProxyPassword = px.Key("password").String()
	cfg.NoProxy = px.Key("no_proxy").String()
	cfg.ProxyWarmup = px.Key("warmup").MustBool(false)

	mq := f.Section("mqtt")
	cfg.MQTTBroker = mq.Key("broker").String()
	cfg.MQTTTopicPrefix = mq.Key("topic_prefix").MustString(cfg.MQTTTopicPrefix)
	cfg.MQTTClientID = mq.Key("client_id").MustString(cfg.MQTTClientID)
	cfg.MQTTUsername = mq.Key("username").String()
	cfg.MQTTPassword = mq.Key("password").String()
	cfg.MQTTQoS = mq.Key("qos").MustInt(1)

	cfg.MetricsListen = f.Section("metrics").Key("listen").String()

	lg := f.Section("logging")
	cfg.LogLevel = lg.Key("level").MustString(cfg.LogLevel)
	cfg.LogFormat = lg.Key("format").MustString(cfg.LogFormat)

	return cfg, nil
}

func seconds(k *ini.Key, def time.Duration) time.Duration {
	return time.Duration(k.MustInt64(int64(def/time.Second))) * time.Second
}

// Save writes the configuration to an INI file.
// Creates parent directories if they don't exist. Passwords are written only
// when set; the file is restricted to the owner.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f := ini.Empty()
	set := func(section, key, value string) {
		f.Section(section).Key(key).SetValue(value)
	}

	set("cloud", "base_url", cfg.BaseURL)
	set("cloud", "realtime_url", cfg.RealtimeURL)
	set("cloud", "email", cfg.Email)
	if cfg.Password != "" {
		set("cloud", "password", cfg.Password)
	}
	if cfg.AccountScope != "" {
		set("cloud", "account_scope", cfg.AccountScope)
	}
	set("cloud", "request_timeout_seconds", fmt.Sprintf("%d", int64(cfg.RequestTimeout/time.Second)))

	set("ratelimit", "write_limit", fmt.Sprintf("%d", cfg.WriteLimit))
	set("ratelimit", "write_window_seconds", fmt.Sprintf("%d", int64(cfg.WriteWindow/time.Second)))

	set("breaker", "failure_threshold", fmt.Sprintf("%d", cfg.FailureThreshold))
	set("breaker", "reset_timeout_seconds", fmt.Sprintf("%d", int64(cfg.ResetTimeout/time.Second)))
	set("breaker", "max_reset_timeout_seconds", fmt.Sprintf("%d", int64(cfg.MaxResetTimeout/time.Second)))

	set("cache", "ttl_ms", fmt.Sprintf("%d", cfg.CacheTTL.Milliseconds()))
	set("cache", "max_size", fmt.Sprintf("%d", cfg.CacheMaxSize))
	set("cache", "touch_on_access", fmt.Sprintf("%t", cfg.CacheTouchOnAccess))

	set("realtime", "enabled", fmt.Sprintf("%t", cfg.RealtimeEnabled))
	set("realtime", "token_mode", cfg.TokenMode)
	set("realtime", "max_attempts", fmt.Sprintf("%d", cfg.RealtimeMaxAttempts))

	set("state", "path", cfg.StatePath)
	set("state", "token_cache", cfg.TokenCachePath)

	set("proxy", "mode", cfg.ProxyMode)
	if cfg.ProxyHost != "" {
		set("proxy", "host", cfg.ProxyHost)
		set("proxy", "port", fmt.Sprintf("%d", cfg.ProxyPort))
	}
	if cfg.ProxyUser != "" {
		set("proxy", "user", cfg.ProxyUser)
	}
	if cfg.NoProxy != "" {
		set("proxy", "no_proxy", cfg.NoProxy)
	}

	set("mqtt", "broker", cfg.MQTTBroker)
	set("mqtt", "topic_prefix", cfg.MQTTTopicPrefix)
	set("mqtt", "client_id", cfg.MQTTClientID)
	if cfg.MQTTUsername != "" {
		set("mqtt", "username", cfg.MQTTUsername)
	}
	set("mqtt", "qos", fmt.Sprintf("%d", cfg.MQTTQoS))

	set("metrics", "listen", cfg.MetricsListen)

	set("logging", "level", cfg.LogLevel)
	set("logging", "format", cfg.LogFormat)

	// Temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := f.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// ApplyEnv overrides credentials and endpoint from the environment.
// Returns the names of the variables that were applied.
func (c *Config) ApplyEnv() []string {
	var applied []string
	if v := os.Getenv(EnvEmail); v != "" {
		c.Email = v
		applied = append(applied, EnvEmail)
	}
	if v := os.Getenv(EnvPassword); v != "" {
		c.Password = v
		applied = append(applied, EnvPassword)
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.BaseURL = v
		applied = append(applied, EnvBaseURL)
	}
	return applied
}

// Scope returns the realtime subscribe scope.
func (c *Config) Scope() string {
	if c.AccountScope != "" {
		return c.AccountScope
	}
	return c.Email
}

// Validate checks settings that do not depend on credentials.
// Errors are apierr config errors.
func (c *Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.BaseURL))
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return apierr.Config("base_url must be an http(s) URL, got %q", c.BaseURL)
	}
	if c.RealtimeEnabled {
		ru, err := url.Parse(strings.TrimSpace(c.RealtimeURL))
		if err != nil || ru.Host == "" || (ru.Scheme != "wss" && ru.Scheme != "ws") {
			return apierr.Config("realtime_url must be a ws(s) URL, got %q", c.RealtimeURL)
		}
	}
	switch c.TokenMode {
	case TokenModeMessage, TokenModeQuery, TokenModeHeader:
	default:
		return apierr.Config("token_mode must be message, query or header, got %q", c.TokenMode)
	}
	if c.RequestTimeout <= 0 {
		return apierr.Config("request_timeout_seconds must be positive")
	}
	if c.WriteLimit <= 0 || c.WriteWindow <= 0 {
		return apierr.Config("write_limit and write_window_seconds must be positive")
	}
	if c.FailureThreshold <= 0 || c.ResetTimeout <= 0 {
		return apierr.Config("failure_threshold and reset_timeout_seconds must be positive")
	}
	if c.CacheTTL <= 0 || c.CacheMaxSize <= 0 {
		return apierr.Config("cache ttl_ms and max_size must be positive")
	}
	switch c.ProxyMode {
	case "no-proxy", "", "system", "basic", "ntlm":
	default:
		return apierr.Config("unsupported proxy mode: %s", c.ProxyMode)
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return apierr.Config("mqtt qos must be 0, 1 or 2")
	}
	return nil
}

// ValidateForLogin additionally requires credentials.
func (c *Config) ValidateForLogin() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Email) == "" {
		return apierr.Config("email is required (set [cloud] email or %s)", EnvEmail)
	}
	if c.Password == "" {
		return apierr.Config("password is required (set %s or enter it at the prompt)", EnvPassword)
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

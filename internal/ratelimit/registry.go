package ratelimit

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hearthlink/hearthlink/internal/constants"
)

// Scope identifies a cloud API throttle scope.
type Scope string

const (
	// ScopeWrite covers device-control writes (300 per 60s).
	ScopeWrite Scope = "write"

	// ScopeRead covers device list and status reads. Not limited locally.
	ScopeRead Scope = "read"

	// ScopeAuth covers login. Not limited locally.
	ScopeAuth Scope = "auth"
)

// ScopeConfig holds the admission settings for a single scope.
// A zero Limit means the scope is not limited locally.
type ScopeConfig struct {
	Scope  Scope
	Limit  int
	Window time.Duration
}

// Limited reports whether calls in this scope pass through a limiter.
func (c ScopeConfig) Limited() bool { return c.Limit > 0 }

// EndpointRule maps an API endpoint pattern to its throttle scope.
// The most specific matching rule wins.
type EndpointRule struct {
	// Pattern is matched with strings.Contains so path parameters need no templating.
	Pattern string

	// Method is the HTTP method to match, or "" for any method.
	Method string

	Scope Scope
}

// specificity returns a score for rule precedence. Higher = more specific.
func (r EndpointRule) specificity() int {
	score := len(r.Pattern)
	if r.Method != "" {
		score += 1000
	}
	return score
}

// Registry maps endpoints to scopes and scopes to their limits.
type Registry struct {
	rules        []EndpointRule // sorted by specificity descending
	scopeConfigs map[Scope]ScopeConfig
	defaultScope Scope
}

// NewRegistry creates a registry with the given write limit.
// limit <= 0 or window <= 0 fall back to the defaults.
func NewRegistry(writeLimit int, writeWindow time.Duration) *Registry {
	if writeLimit <= 0 {
		writeLimit = constants.WriteRateLimit
	}
	if writeWindow <= 0 {
		writeWindow = constants.WriteRateWindow
	}
	r := &Registry{
		defaultScope: ScopeRead,
		scopeConfigs: map[Scope]ScopeConfig{
			ScopeWrite: {Scope: ScopeWrite, Limit: writeLimit, Window: writeWindow},
			ScopeRead:  {Scope: ScopeRead},
			ScopeAuth:  {Scope: ScopeAuth},
		},
	}

	r.rules = []EndpointRule{
		{Pattern: "/v1/auth/", Method: "", Scope: ScopeAuth},
		{Pattern: "/v1/devices/", Method: http.MethodPut, Scope: ScopeWrite},
		{Pattern: "/v1/devices/", Method: http.MethodPost, Scope: ScopeWrite},
		{Pattern: "/v1/devices", Method: "", Scope: ScopeRead},
	}
	sort.Slice(r.rules, func(i, j int) bool {
		return r.rules[i].specificity() > r.rules[j].specificity()
	})
	return r
}

// ResolveScope determines the throttle scope for a method and path.
func (r *Registry) ResolveScope(method, path string) Scope {
	for _, rule := range r.rules {
		if !strings.Contains(path, rule.Pattern) {
			continue
		}
		if rule.Method != "" && !strings.EqualFold(rule.Method, method) {
			continue
		}
		return rule.Scope
	}
	return r.defaultScope
}

// GetScopeConfig returns the configuration for a scope, or the default
// scope's configuration when unknown.
func (r *Registry) GetScopeConfig(scope Scope) ScopeConfig {
	if cfg, ok := r.scopeConfigs[scope]; ok {
		return cfg
	}
	return r.scopeConfigs[r.defaultScope]
}

// NewLimiters builds one limiter per limited scope.
func (r *Registry) NewLimiters(opts ...Option) map[Scope]*RateLimiter {
	out := make(map[Scope]*RateLimiter)
	for scope, cfg := range r.scopeConfigs {
		if !cfg.Limited() {
			continue
		}
		out[scope] = NewRateLimiter(cfg.Limit, cfg.Window, append([]Option{WithName(string(scope))}, opts...)...)
	}
	return out
}

// ScopeDisplayString returns a human-readable description of the scope.
// Example: "write (300 per 1m0s)"
func (r *Registry) ScopeDisplayString(scope Scope) string {
	cfg, ok := r.scopeConfigs[scope]
	if !ok {
		return string(scope) + " (unknown scope)"
	}
	if !cfg.Limited() {
		return string(scope) + " (unlimited)"
	}
	return fmt.Sprintf("%s (%d per %s)", scope, cfg.Limit, cfg.Window)
}

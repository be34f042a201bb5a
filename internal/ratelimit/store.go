package ratelimit

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
)

// LimiterStore hands out limiters shared by every client in the process
// that talks to the same account on the same cloud.
//
// Key structure: {baseURL, hash(account), scope}
//   - Same account on same cloud → shared limiters (same server-side quota)
//   - Different accounts → independent limiters
//   - A client recreated for the same account keeps the existing window
//
// The first client to ask for a key decides its limit, window and options.
type LimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

var (
	globalStore     *LimiterStore
	globalStoreOnce sync.Once
)

// NewLimiterStore creates an empty store.
func NewLimiterStore() *LimiterStore {
	return &LimiterStore{limiters: make(map[string]*RateLimiter)}
}

// GlobalStore returns the process-level store. Initialized exactly once.
func GlobalStore() *LimiterStore {
	globalStoreOnce.Do(func() {
		globalStore = NewLimiterStore()
	})
	return globalStore
}

// GetLimiter returns the shared limiter for account and scope, creating it
// from the registry's scope config. Unlimited scopes return nil.
func (s *LimiterStore) GetLimiter(r *Registry, baseURL, account string, scope Scope, opts ...Option) *RateLimiter {
	cfg := r.GetScopeConfig(scope)
	if !cfg.Limited() || cfg.Scope != scope {
		return nil
	}
	key := makeKey(baseURL, account, scope)

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[key]; ok {
		return l
	}
	l := NewRateLimiter(cfg.Limit, cfg.Window, append([]Option{WithName(string(scope))}, opts...)...)
	s.limiters[key] = l
	return l
}

// GetLimiters returns the shared limiter for every limited scope.
func (s *LimiterStore) GetLimiters(r *Registry, baseURL, account string, opts ...Option) map[Scope]*RateLimiter {
	out := make(map[Scope]*RateLimiter)
	for scope := range r.scopeConfigs {
		if l := s.GetLimiter(r, baseURL, account, scope, opts...); l != nil {
			out[scope] = l
		}
	}
	return out
}

// Len returns the number of limiters held.
func (s *LimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// makeKey builds a map key from {baseURL, hash(account), scope}. The
// account is hashed so emails never sit in memory as map keys. Accounts
// compare case-insensitively, as the cloud treats login emails.
func makeKey(baseURL, account string, scope Scope) string {
	h := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(account))))
	return fmt.Sprintf("%s|%x|%s", strings.TrimSuffix(baseURL, "/"), h[:8], scope)
}

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hearthlink/hearthlink/internal/logging"
	"github.com/hearthlink/hearthlink/internal/models"
)

// TokenCache persists the issued token so a restart can skip the login.
// The file is owner-only; the token itself never reaches a log line.
type TokenCache struct {
	path   string
	logger *logging.Logger
}

type tokenFile struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewTokenCache creates a cache backed by path.
func NewTokenCache(path string, logger *logging.Logger) *TokenCache {
	if logger == nil {
		logger = logging.Nop()
	}
	return &TokenCache{path: path, logger: logger}
}

// Path returns the cache file path.
func (c *TokenCache) Path() string { return c.path }

// Load returns the cached token. ok is false for a missing, corrupt or
// empty file.
func (c *TokenCache) Load() (models.Token, bool, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.Token{}, false, nil
	}
	if err != nil {
		return models.Token{}, false, fmt.Errorf("failed to read token cache: %w", err)
	}
	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil || f.Token == "" {
		c.logger.Warnf("Token cache %s is unreadable, ignoring it", c.path)
		return models.Token{}, false, nil
	}
	return models.Token{Value: f.Token, ExpiresAt: f.ExpiresAt}, true, nil
}

// Save writes t atomically with 0600 permissions.
func (c *TokenCache) Save(t models.Token) error {
	data, err := json.Marshal(tokenFile{Token: t.Value, ExpiresAt: t.ExpiresAt.UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal token cache: %w", err)
	}
	return writeFileAtomic(c.path, data, 0600)
}

// Clear removes the cache file.
func (c *TokenCache) Clear() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token cache: %w", err)
	}
	return nil
}

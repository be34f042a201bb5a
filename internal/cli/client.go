package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/hearthlink/hearthlink/internal/api"
	"github.com/hearthlink/hearthlink/internal/config"
	"github.com/hearthlink/hearthlink/internal/constants"
	"github.com/hearthlink/hearthlink/internal/logging"
	"github.com/hearthlink/hearthlink/internal/ratelimit"
	"github.com/hearthlink/hearthlink/internal/state"
)

// loadConfig reads the config file, applies environment and flag overrides
// and sets the log level from the file unless --verbose was given.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.ApplyEnv() {
		GetLogger().Debugf("Applied %s from environment", name)
	}
	if apiBaseURL != "" {
		cfg.BaseURL = apiBaseURL
	}
	if !verbose && !debug {
		logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
	}
	return cfg, nil
}

// getAPIClient loads configuration and creates a client backed by the
// on-disk device store and token cache. The password is prompted for only
// when no usable cached token exists.
func getAPIClient(opts ...api.Option) (*api.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newAPIClient(cfg, opts...)
}

func newAPIClient(cfg *config.Config, opts ...api.Option) (*api.Client, error) {
	log := GetLogger()
	tokens := state.NewTokenCache(cfg.TokenCachePath, log.Component("state"))
	store := state.NewStore(cfg.StatePath, state.WithLogger(log.Component("state")))

	if cfg.Password == "" && !hasUsableToken(tokens) {
		pw, err := promptPassword(fmt.Sprintf("Password for %s: ", cfg.Email))
		if err != nil {
			return nil, err
		}
		cfg.Password = pw
	}

	base := []api.Option{
		api.WithLogger(log.Component("api")),
		api.WithStore(store),
		api.WithTokenCache(tokens),
		api.WithLimiterStore(ratelimit.GlobalStore()),
	}
	client, err := api.NewClient(cfg, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}
	return client, nil
}

func hasUsableToken(tc *state.TokenCache) bool {
	t, ok, err := tc.Load()
	return err == nil && ok && t.Valid(time.Now(), constants.TokenRefreshMargin)
}

// closeClient flushes state with a bounded wait and logs failures.
func closeClient(client *api.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	if err := client.Shutdown(ctx); err != nil {
		GetLogger().Warnf("Shutdown: %v", err)
	}
}

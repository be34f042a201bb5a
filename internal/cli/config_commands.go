package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hearthlink/hearthlink/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage hearthlink configuration",
		Long: `Configuration management commands for hearthlink.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup for hearthlink.

The password is not written to the file. Supply it through
HEARTHLINK_PASSWORD or enter it when prompted.

Use --force to overwrite existing configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			out := cmd.OutOrStdout()
			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			cfg, err := runConfigWizard(bufio.NewReader(cmd.InOrStdin()), out)
			if err != nil {
				return err
			}
			if err := config.Save(cfg, path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			GetLogger().Info().Str("path", path).Msg("Configuration saved")
			fmt.Fprintf(out, "\nConfiguration saved to: %s\n", path)
			fmt.Fprintln(out, "Log in with: hearthlink login")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	return cmd
}

// runConfigWizard asks for the settings most installs change and keeps
// defaults for the rest.
func runConfigWizard(r *bufio.Reader, w io.Writer) (*config.Config, error) {
	cfg := config.NewConfig()

	fmt.Fprintln(w, "hearthlink Configuration Setup")
	fmt.Fprintln(w, "==============================")
	fmt.Fprintln(w)

	for cfg.Email == "" {
		cfg.Email = promptLine(r, w, "Account email (required)", "")
		if cfg.Email == "" {
			if _, err := r.Peek(1); err != nil {
				return nil, fmt.Errorf("account email is required")
			}
			fmt.Fprintln(w, "  Error: email is required")
		}
	}
	cfg.BaseURL = promptLine(r, w, "API base URL", cfg.BaseURL)
	cfg.RealtimeURL = promptLine(r, w, "Realtime URL", cfg.RealtimeURL)

	mode := promptLine(r, w, "Realtime token placement (message, query, header)", cfg.TokenMode)
	cfg.TokenMode = strings.ToLower(mode)

	fmt.Fprintln(w)
	proxy := strings.ToLower(promptLine(r, w, "Configure proxy? [y/N]", "n"))
	if proxy == "y" || proxy == "yes" {
		cfg.ProxyMode = promptLine(r, w, "Proxy mode (no-proxy, system, basic, ntlm)", "system")
		if cfg.ProxyMode == "basic" || cfg.ProxyMode == "ntlm" {
			cfg.ProxyHost = promptLine(r, w, "Proxy host", "")
			port := promptLine(r, w, "Proxy port", "8080")
			if v, err := strconv.Atoi(port); err == nil && v > 0 {
				cfg.ProxyPort = v
			}
			cfg.ProxyUser = promptLine(r, w, "Proxy user (optional)", "")
		}
	}

	cfg.MQTTBroker = promptLine(r, w, "MQTT broker for 'watch' relay (optional, e.g. tcp://localhost:1883)", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration: the file, then environment
variables (HEARTHLINK_EMAIL, HEARTHLINK_PASSWORD, HEARTHLINK_BASE_URL),
then --api-url. Secrets are masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "Current Configuration")
	fmt.Fprintln(w, "=====================")
	fmt.Fprintf(w, "Config file:      %s\n", cfg.Path)
	fmt.Fprintf(w, "API base URL:     %s\n", cfg.BaseURL)
	fmt.Fprintf(w, "Realtime URL:     %s (enabled: %t, token: %s)\n", cfg.RealtimeURL, cfg.RealtimeEnabled, cfg.TokenMode)
	fmt.Fprintf(w, "Email:            %s\n", cfg.Email)
	fmt.Fprintf(w, "Password:         %s\n", mask(cfg.Password))
	fmt.Fprintf(w, "Request timeout:  %v\n", cfg.RequestTimeout)
	fmt.Fprintf(w, "Write limit:      %d per %v\n", cfg.WriteLimit, cfg.WriteWindow)
	fmt.Fprintf(w, "Breaker:          %d failures, reset %v (max %v)\n", cfg.FailureThreshold, cfg.ResetTimeout, cfg.MaxResetTimeout)
	fmt.Fprintf(w, "Cache:            ttl %v, max %d entries\n", cfg.CacheTTL, cfg.CacheMaxSize)
	fmt.Fprintf(w, "State file:       %s\n", cfg.StatePath)
	fmt.Fprintf(w, "Token cache:      %s\n", cfg.TokenCachePath)
	fmt.Fprintf(w, "Proxy mode:       %s\n", cfg.ProxyMode)
	if cfg.ProxyHost != "" {
		fmt.Fprintf(w, "Proxy:            %s:%d (user %q, password %s)\n", cfg.ProxyHost, cfg.ProxyPort, cfg.ProxyUser, mask(cfg.ProxyPassword))
	}
	if cfg.MQTTBroker != "" {
		fmt.Fprintf(w, "MQTT relay:       %s prefix %q qos %d\n", cfg.MQTTBroker, cfg.MQTTTopicPrefix, cfg.MQTTQoS)
	}
	if cfg.MetricsListen != "" {
		fmt.Fprintf(w, "Metrics:          %s\n", cfg.MetricsListen)
	}
	fmt.Fprintf(w, "Logging:          %s (%s)\n", cfg.LogLevel, cfg.LogFormat)
}

func mask(secret string) string {
	if secret == "" {
		return "(not set)"
	}
	return "********"
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), configPath())
		},
	}
}

package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthlink/hearthlink/internal/api"
	"github.com/hearthlink/hearthlink/internal/config"
	"github.com/hearthlink/hearthlink/internal/constants"
	"github.com/hearthlink/hearthlink/internal/events"
	"github.com/hearthlink/hearthlink/internal/logging"
	"github.com/hearthlink/hearthlink/internal/metrics"
	"github.com/hearthlink/hearthlink/internal/models"
	"github.com/hearthlink/hearthlink/internal/mqtt"
	"github.com/hearthlink/hearthlink/internal/realtime"
)

type watchOptions struct {
	pollInterval  time.Duration
	noRealtime    bool
	metricsListen string
	mqttBroker    string
	jsonLogs      bool
}

func newWatchCmd() *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow device updates until interrupted",
		Long: `Follow device state changes and print one line per update.

Updates arrive over the realtime push channel. While the channel is not
connected the device list is polled every --poll-interval instead, so
updates keep flowing if the push service is down or gave up reconnecting.

Optionally relays every update to an MQTT broker (retained, one topic per
device) and serves Prometheus metrics on --metrics-listen.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runWatch(GetContext(), cmd.OutOrStdout(), cfg, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.pollInterval, "poll-interval", constants.DefaultPollInterval, "Fallback poll interval while realtime is not connected")
	cmd.Flags().BoolVar(&opts.noRealtime, "no-realtime", false, "Poll only, never open the push channel")
	cmd.Flags().StringVar(&opts.metricsListen, "metrics-listen", "", "Serve /metrics on this address (overrides config)")
	cmd.Flags().StringVar(&opts.mqttBroker, "mqtt-broker", "", "Relay updates to this MQTT broker (overrides config)")
	cmd.Flags().BoolVar(&opts.jsonLogs, "json-logs", false, "Write JSON log lines to stdout")
	return cmd
}

func runWatch(ctx context.Context, out io.Writer, cfg *config.Config, opts watchOptions) error {
	if opts.pollInterval <= 0 {
		return fmt.Errorf("--poll-interval must be positive")
	}
	if opts.metricsListen != "" {
		cfg.MetricsListen = opts.metricsListen
	}
	if opts.mqttBroker != "" {
		cfg.MQTTBroker = opts.mqttBroker
	}
	if opts.noRealtime {
		cfg.RealtimeEnabled = false
	}

	bus := events.NewEventBus(constants.EventBusDefaultBuffer)
	defer bus.Close()
	if opts.jsonLogs || cfg.LogFormat == "json" {
		logger = logging.NewLogger("daemon", bus)
	}
	log := GetLogger()

	m := metrics.New()
	client, err := newAPIClient(cfg, api.WithEventBus(bus), api.WithMetrics(m))
	if err != nil {
		return err
	}
	defer closeClient(client)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.MetricsListen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsListen); err != nil {
				log.Error().Err(err).Str("addr", cfg.MetricsListen).Msg("Metrics listener stopped")
			}
		}()
		log.Info().Str("addr", cfg.MetricsListen).Msg("Serving /metrics")
	}

	if cfg.MQTTBroker != "" {
		relay, err := mqtt.Connect(mqtt.Config{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         byte(cfg.MQTTQoS),
		}, log.Component("mqtt"))
		if err != nil {
			return fmt.Errorf("failed to connect MQTT relay: %w", err)
		}
		defer relay.Close()
		go relay.Run(ctx, bus)
	}

	unsubscribe := client.SubscribeToUpdates(func(u models.DeviceUpdate) {
		fmt.Fprintln(out, formatUpdate(u))
	})
	defer unsubscribe()

	if cfg.RealtimeEnabled {
		if err := client.StartRealtime(ctx); err != nil {
			log.Warn().Err(err).Msg("Realtime channel unavailable, polling only")
		}
	}

	return pollLoop(ctx, client, opts.pollInterval, log)
}

// pollLoop lists devices every interval while realtime is not connected.
// The first poll runs immediately.
func pollLoop(ctx context.Context, client *api.Client, interval time.Duration, log *logging.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if client.RealtimeState() != realtime.StateConnected {
			if _, err := client.GetDevices(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Device poll failed")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func formatUpdate(u models.DeviceUpdate) string {
	keys := make([]string, 0, len(u.Attributes))
	for k := range u.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s device=%s", u.ReceivedAt.Local().Format("15:04:05"), u.DeviceID)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, u.Attributes[k])
	}
	return b.String()
}

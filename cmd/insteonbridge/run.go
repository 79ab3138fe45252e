package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/insteon-bridge/internal/bridges/insteon"
	"github.com/nerrad567/insteon-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/insteon-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/insteon-bridge/internal/infrastructure/mqtt"
)

// healthCheckTimeout bounds the startup health check.
const healthCheckTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge until interrupted",
	Long: `Connect to the modem and the MQTT broker and serve commands.

Group broadcasts from every known device are published as retained state
messages; commands on {prefix}/command/{device} are queued, executed and
acknowledged on {prefix}/ack/{device}. Health is published on
{prefix}/health with an offline last-will on {prefix}/status.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runBridge(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// runBridge is the long-lived service.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func runBridge(ctx context.Context) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info("starting insteon bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
		"site", cfg.Site.ID,
	)

	st, err := openStack(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	opts := insteon.Options{
		MQTT:           &mqttBridgeAdapter{client: mqttClient},
		Topics:         mqttClient.Topics(),
		Registry:       st.registry,
		Engine:         st.engine,
		Scenes:         st.syncer,
		Workers:        cfg.MQTT.Workers,
		HealthInterval: cfg.GetHealthInterval(),
		SiteID:         cfg.Site.ID,
		Version:        version,
		Logger:         log.Component("bridge"),
	}
	if st.influx != nil {
		opts.Recorder = st.influx
	}
	bridge, err := insteon.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := healthCheck(checkCtx, st, mqttClient, st.influx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("insteon bridge started")
	<-ctx.Done()
	logShutdown(log, bridge)
	return nil
}

// healthCheck verifies every connection once at startup.
func healthCheck(ctx context.Context, st *stack, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := st.db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := st.link.HealthCheck(ctx); err != nil {
		return fmt.Errorf("modem: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// logShutdown records the final command counters.
func logShutdown(log *logging.Logger, bridge *insteon.Bridge) {
	m := bridge.GetMetrics()
	log.Info("shutdown signal received",
		"commands_received", m.CommandsReceived,
		"commands_completed", m.CommandsCompleted,
		"commands_failed", m.CommandsFailed,
		"states_published", m.StatesPublished,
	)
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/insteon-bridge/internal/infrastructure/config"
	"github.com/nerrad567/insteon-bridge/internal/infrastructure/logging"
)

const (
	// defaultConfigPath is used when neither --config nor INSTEON_CONFIG is set.
	defaultConfigPath = "configs/config.yaml"

	// configEnv overrides the default configuration path.
	configEnv = "INSTEON_CONFIG"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "insteonbridge",
	Short: "Insteon PowerLinc to MQTT bridge",
	Long: `insteonbridge drives an Insteon PowerLinc modem and publishes the network
on an MQTT broker.

The run command starts the long-lived bridge. The maintenance commands share
its configuration file and link cache:

  db dump        print cached all-link tables
  sync           reconcile link tables with the scenes file
  import-scenes  merge live link tables into the scenes file

The configuration path defaults to configs/config.yaml and can be set with
--config or the INSTEON_CONFIG environment variable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(), "Configuration file")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// getConfigPath returns the configuration path from INSTEON_CONFIG, falling
// back to the default.
func getConfigPath() string {
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig reads the configuration file and builds the logger it
// describes.
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log := logging.New(cfg.Logging, version)
	log.Debug("configuration loaded", "path", configPath)
	return cfg, log, nil
}

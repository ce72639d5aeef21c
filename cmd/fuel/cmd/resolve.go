package cmd

import (
	"os"
	"path/filepath"

	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/spf13/cobra"
)

// resolveStateDir determines the state directory from the --state-dir flag,
// the FUEL_STATE_DIR environment variable, or the default ./.fuel, in that
// priority order.
func resolveStateDir(cmd *cobra.Command) string {
	if cmd.Flags().Changed("state-dir") {
		v, _ := cmd.Flags().GetString("state-dir")
		return v
	}
	if v := os.Getenv("FUEL_STATE_DIR"); v != "" {
		return v
	}
	return config.DefaultStateDirName
}

// loadConfig loads the configuration for stateDir, applying CLI-set fields
// (--port, plus FUEL_LOG_LEVEL from the process environment) as the
// highest-priority layer.
func loadConfig(cmd *cobra.Command, stateDir string) (*config.Config, error) {
	into := &config.Config{StateDir: stateDir}
	if cmd.Flags().Changed("port") {
		into.Port, _ = cmd.Flags().GetInt("port")
	}
	if v := os.Getenv("FUEL_LOG_LEVEL"); v != "" {
		into.LogLevel = v
	}

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = filepath.Join(stateDir, "config.yaml")
	}

	return config.Load(configPath, into)
}

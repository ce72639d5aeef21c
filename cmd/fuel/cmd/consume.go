package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/daemon"
	"github.com/spf13/cobra"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Run the consume daemon until signaled",
	Long: `consume runs the daemon loop that selects ready tasks, spawns agent
subprocesses to work them, supervises their lifecycle, and broadcasts live
state to any connected observer clients.

It runs until SIGINT or SIGTERM. SIGHUP reloads configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stateDir := resolveStateDir(cmd)
		cfg, err := loadConfig(cmd, stateDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		level := parseLogLevel(cfg.LogLevel)
		log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		cfg.Logger = log

		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}

		promptOverrideDir := filepath.Join(stateDir, "prompts")

		core, err := daemon.NewCore(cfg, promptOverrideDir, cwd, log)
		if err != nil {
			return err
		}
		defer core.Close()

		configPath, _ := cmd.Flags().GetString("config")
		if configPath == "" {
			configPath = filepath.Join(stateDir, "config.yaml")
		}
		// The watcher reloads on top of the CLI-set layer only, so values
		// taken from the file are re-read on each reload.
		cliLayer := &config.Config{StateDir: stateDir, Logger: log}
		if cmd.Flags().Changed("port") {
			cliLayer.Port, _ = cmd.Flags().GetInt("port")
		}
		if v := os.Getenv("FUEL_LOG_LEVEL"); v != "" {
			cliLayer.LogLevel = v
		}
		watcher := config.NewWatcher(configPath, cliLayer, core.Config, func(reloaded *config.Config) {
			log.Info("configuration reloaded")
		}, log)
		core.SetWatcher(watcher)

		log.Info("consume daemon starting", "instance_id", core.InstanceID, "port", cfg.Port, "state_dir", stateDir)

		d := daemon.New(core)
		return d.Run()
	},
}

func init() {
	rootCmd.AddCommand(consumeCmd)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

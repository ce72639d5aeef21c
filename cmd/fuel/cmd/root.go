// Package cmd implements the fuel CLI. Only the consume subcommand is
// covered by this module's scope; the one other subcommand, status, is a
// thin observer that connects to a running daemon over IPC and does not
// touch the Store.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/ashleyhindle/fuel/internal/daemon"
	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fuel",
	Short: "fuel - local task-execution orchestrator for AI coding agents",
	Long: `fuel manages a workspace of tasks and epics for AI coding agents.

The consume daemon selects ready tasks, spawns agent subprocesses to work
them, and broadcasts live state to any number of connected observer
clients over a local socket.`,
}

// SetVersion sets the version string shown by "fuel --version".
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.PersistentFlags().String("state-dir", "", "state directory (default $FUEL_STATE_DIR or ./.fuel)")
	rootCmd.PersistentFlags().String("config", "", "config file path (default <state-dir>/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "daemon port (overrides config)")
}

// Execute runs the root command and returns the process exit code, per the
// exit code table: 0 normal shutdown, 1 startup failure, 2 another daemon
// already holds the port, 3 state directory unwritable.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCodeFor(err)
	}
	return 0
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, daemon.ErrPortInUse):
		return 2
	case errors.Is(err, daemon.ErrStateDirUnwritable):
		return 3
	default:
		return 1
	}
}

package cmd

import (
	"fmt"
	"time"

	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/ipc"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the running consume daemon for its current snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		stateDir := resolveStateDir(cmd)
		cfg, err := loadConfig(cmd, stateDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Port == 0 {
			cfg.Port = config.DefaultPort
		}

		client, err := ipc.Dial(cfg.Port, 2*time.Second)
		if err != nil {
			fmt.Println("not running")
			return nil
		}
		defer client.Close()

		// The first two records on any new connection are always hello then
		// snapshot, per the handshake contract.
		if _, err := client.ReadRecord(); err != nil {
			return fmt.Errorf("read hello: %w", err)
		}
		snap, err := client.ReadRecord()
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}

		if snap.Snapshot == nil {
			fmt.Println("running (no snapshot available)")
			return nil
		}
		bs := snap.Snapshot.BoardState
		fmt.Println("running")
		fmt.Printf("  ready:       %d\n", len(bs.Ready))
		fmt.Printf("  in_progress: %d\n", len(bs.InProgress))
		fmt.Printf("  review:      %d\n", len(bs.Review))
		fmt.Printf("  blocked:     %d\n", len(bs.Blocked))
		fmt.Printf("  needs-human: %d\n", len(bs.Human))
		fmt.Printf("  done:        %d\n", len(bs.Done))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

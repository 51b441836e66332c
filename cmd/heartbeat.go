package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/njfio/sentium/internal/heartbeat"
)

func heartbeatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Inspect or manually tick the runtime heartbeat",
	}
	cmd.AddCommand(heartbeatTickCmd())
	cmd.AddCommand(heartbeatInspectCmd())
	return cmd
}

func heartbeatTickCmd() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one heartbeat cycle and persist the resulting snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := heartbeat.Config{
				Enabled:   true,
				Interval:  5 * time.Second,
				StatePath: filepath.Join(root, "runtime-heartbeat", "state.json"),
				EventsDir: filepath.Join(root, "events"),
			}
			snapshot, report := heartbeat.ExecuteCycle(cfg, 1, time.Now().UnixMilli())
			if err := heartbeat.PersistSnapshot(cfg, snapshot, report); err != nil {
				return err
			}
			fmt.Printf("heartbeat tick: queue_depth=%d pending_events=%d reason_codes=%v\n",
				snapshot.QueueDepth, snapshot.PendingEvents, snapshot.ReasonCodes)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".tau", "runtime root directory")
	return cmd
}

func heartbeatInspectCmd() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the last persisted heartbeat snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			statePath := filepath.Join(root, "runtime-heartbeat", "state.json")
			result := heartbeat.InspectState(statePath)
			if !result.Found {
				fmt.Printf("heartbeat inspect: %s\n", result.Error)
				return nil
			}
			fmt.Printf("heartbeat inspect: run_state=%s reason_code=%s tick_count=%d queue_depth=%d\n",
				result.Snapshot.RunState, result.Snapshot.ReasonCode, result.Snapshot.TickCount, result.Snapshot.QueueDepth)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".tau", "runtime root directory")
	return cmd
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/njfio/sentium/internal/router"
)

func orchestratorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Inspect the multi-agent router and replay contract fixtures",
	}
	cmd.AddCommand(orchestratorReplayCmd())
	return cmd
}

func orchestratorReplayCmd() *cobra.Command {
	var fixturePath string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a multi-agent contract fixture and report the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(fixturePath)
			if err != nil {
				return fmt.Errorf("read fixture: %w", err)
			}
			fixture, err := router.ParseContractFixture(raw)
			if err != nil {
				return err
			}
			summary, err := router.ReplayFixture(fixture)
			if err != nil {
				return err
			}
			data, err := json.Marshal(summary)
			if err != nil {
				return err
			}
			fmt.Printf("orchestrator replay: fixture=%s %s\n", fixture.Name, string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&fixturePath, "fixture", "", "path to a multi-agent contract fixture JSON file")
	cmd.MarkFlagRequired("fixture")
	return cmd
}

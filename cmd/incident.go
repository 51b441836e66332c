package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/njfio/sentium/internal/incident"
)

func incidentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incident",
		Short: "Inspect the runtime incident timeline",
	}
	cmd.AddCommand(incidentTailCmd())
	cmd.AddCommand(incidentHistogramCmd())
	return cmd
}

func incidentTimelinePath(root string) string {
	return filepath.Join(root, "incidents", "incidents.jsonl")
}

func incidentTailCmd() *cobra.Command {
	var root string
	var limit int

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent incident records",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeline, err := incident.Open(incidentTimelinePath(root))
			if err != nil {
				return err
			}
			result, err := timeline.Load()
			if err != nil {
				return err
			}
			records := result.Records
			if limit > 0 && len(records) > limit {
				records = records[len(records)-limit:]
			}
			for _, r := range records {
				fmt.Printf("incident: ts=%d source=%s reason_code=%s principal=%s session_key=%s detail=%s\n",
					r.TimestampUnixMs, r.Source, r.ReasonCode, r.Principal, r.SessionKey, r.Detail)
			}
			if result.InvalidLines > 0 {
				fmt.Printf("incident tail: skipped %d malformed lines\n", result.InvalidLines)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".tau", "runtime root directory")
	cmd.Flags().IntVar(&limit, "limit", 20, "max records to print (0 = all)")
	return cmd
}

func incidentHistogramCmd() *cobra.Command {
	var root string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "histogram",
		Short: "Print a reason_code histogram over the incident timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeline, err := incident.Open(incidentTimelinePath(root))
			if err != nil {
				return err
			}
			result, err := timeline.Load()
			if err != nil {
				return err
			}
			histogram := incident.ReasonCodeHistogram(result.Records)
			if asJSON {
				data, err := json.Marshal(histogram)
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			for _, entry := range histogram {
				fmt.Printf("%-40s %d\n", entry.ReasonCode, entry.Count)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".tau", "runtime root directory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON output")
	return cmd
}

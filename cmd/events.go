package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/njfio/sentium/internal/events"
	"github.com/njfio/sentium/internal/orchestration"
	"github.com/njfio/sentium/internal/router"
	"github.com/njfio/sentium/internal/routebinding"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and drive the durable event scheduler",
	}
	cmd.AddCommand(eventsPollCmd())
	cmd.AddCommand(eventsIngestCmd())
	return cmd
}

func eventsPollCmd() *cobra.Command {
	var root string
	var queueLimit int
	var staleImmediateMaxAgeSeconds uint64

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run a single poll_once cycle against the events directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			eventsDir := filepath.Join(root, "events")
			statePath := filepath.Join(eventsDir, "state.json")

			bindingsPath := filepath.Join(root, "security", routebinding.BindingsFileName)
			bindings, err := loadBindingFile(bindingsPath)
			if err != nil {
				return err
			}
			executor := orchestration.NewChannelExecutor(root, bindings, router.DefaultRouteTable(), defaultPlanFirstConfig())

			sched, err := events.New(events.Config{
				EventsDir:                   eventsDir,
				StatePath:                   statePath,
				QueueLimit:                  queueLimit,
				StaleImmediateMaxAgeSeconds: staleImmediateMaxAgeSeconds,
			}, executor)
			if err != nil {
				return err
			}
			report, err := sched.PollOnce(uint64(time.Now().UnixMilli()))
			if err != nil {
				return err
			}
			fmt.Printf("poll_once: discovered=%d queued=%d executed=%d stale_skipped=%d malformed_skipped=%d failed=%d\n",
				report.Discovered, report.Queued, report.Executed, report.StaleSkipped, report.MalformedSkipped, report.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".tau", "runtime root directory")
	cmd.Flags().IntVar(&queueLimit, "queue-limit", 0, "max events executed per poll (0 or less = default of 16)")
	cmd.Flags().Uint64Var(&staleImmediateMaxAgeSeconds, "stale-immediate-max-age", 0, "seconds before an unexecuted immediate event is purged (0 = never)")
	return cmd
}

func eventsIngestCmd() *cobra.Command {
	var root, channel, payload, promptPrefix, debounceKey string
	var debounceWindowSeconds uint64

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a webhook payload as an immediate event",
		RunE: func(cmd *cobra.Command, args []string) error {
			eventsDir := filepath.Join(root, "events")
			statePath := filepath.Join(eventsDir, "state.json")
			cfg := events.WebhookIngestConfig{
				EventsDir:             eventsDir,
				StatePath:             statePath,
				ChannelRef:            channel,
				Payload:               payload,
				PromptPrefix:          promptPrefix,
				DebounceKey:           debounceKey,
				DebounceWindowSeconds: debounceWindowSeconds,
			}
			return events.IngestWebhookImmediate(cfg, uint64(time.Now().UnixMilli()))
		},
	}
	cmd.Flags().StringVar(&root, "root", ".tau", "runtime root directory")
	cmd.Flags().StringVar(&channel, "channel", "", "channel reference, e.g. slack/C123")
	cmd.Flags().StringVar(&payload, "payload", "", "raw webhook payload")
	cmd.Flags().StringVar(&promptPrefix, "prompt-prefix", "Handle incoming webhook", "prompt text prepended to the payload")
	cmd.Flags().StringVar(&debounceKey, "debounce-key", "", "optional debounce key")
	cmd.Flags().Uint64Var(&debounceWindowSeconds, "debounce-window", 0, "debounce window in seconds")
	cmd.MarkFlagRequired("channel")
	cmd.MarkFlagRequired("payload")
	return cmd
}

// defaultPlanFirstConfig bounds the plan-first protocol the scheduler's
// executor runs for each due event. Delegation is off by default since
// poll has no per-event policy-inheritance context to hand delegated
// steps; single-role execution still exercises the full planner ->
// review protocol against real storage.
func defaultPlanFirstConfig() router.PlanFirstConfig {
	return router.PlanFirstConfig{
		TurnTimeout:                    30 * time.Second,
		MaxPlanSteps:                   8,
		MaxDelegatedSteps:              8,
		MaxExecutorResponseChars:       8000,
		MaxDelegatedStepResponseChars:  4000,
		MaxDelegatedTotalResponseChars: 16000,
		DelegateSteps:                  false,
	}
}

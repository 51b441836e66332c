package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/njfio/sentium/internal/channelstore"
	"github.com/njfio/sentium/internal/router"
	"github.com/njfio/sentium/internal/routebinding"
)

func routeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Resolve an inbound envelope against the route-binding table",
	}
	cmd.AddCommand(routeResolveCmd())
	return cmd
}

func routeResolveCmd() *cobra.Command {
	var root, transport, conversationID, actorID, text, accountID, eventKey string
	var logDecision bool

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the route decision for a synthetic inbound event",
		RunE: func(cmd *cobra.Command, args []string) error {
			bindingsPath := filepath.Join(root, "security", routebinding.BindingsFileName)
			file, err := loadBindingFile(bindingsPath)
			if err != nil {
				return err
			}

			event := routebinding.InboundEvent{
				Transport:      transport,
				EventKind:      routebinding.EventMessage,
				ConversationID: conversationID,
				ActorID:        actorID,
				Text:           text,
				Metadata:       map[string]json.RawMessage{},
			}
			if accountID != "" {
				raw, _ := json.Marshal(accountID)
				event.Metadata["account_id"] = raw
			}

			decision := routebinding.ResolveRoute(file, router.DefaultRouteTable(), event)
			data, err := json.MarshalIndent(decision, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))

			if logDecision {
				if err := logRouteDecision(root, event, decision, eventKey); err != nil {
					return fmt.Errorf("log route decision: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".tau", "runtime root directory")
	cmd.Flags().StringVar(&transport, "transport", "", "transport name, e.g. discord")
	cmd.Flags().StringVar(&conversationID, "conversation-id", "", "conversation identifier")
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor identifier")
	cmd.Flags().StringVar(&accountID, "account-id", "", "account identifier")
	cmd.Flags().StringVar(&text, "text", "", "event text, used as a delegated-step category hint")
	cmd.Flags().StringVar(&eventKey, "event-key", "", "correlation key recorded alongside the logged decision")
	cmd.Flags().BoolVar(&logDecision, "log", false, "append the decision trace to the channel store's log.jsonl")
	cmd.MarkFlagRequired("transport")
	cmd.MarkFlagRequired("conversation-id")
	return cmd
}

// logRouteDecision appends the resolved decision's trace payload to the
// channel store's append-only log, so route decisions join the same
// audit trail as inbound/outbound channel traffic.
func logRouteDecision(root string, event routebinding.InboundEvent, decision routebinding.Decision, eventKey string) error {
	store, err := channelstore.Open(root, event.Transport, event.ConversationID)
	if err != nil {
		return err
	}
	payload := routebinding.TracePayload(event, eventKey, decision, time.Now().UnixMilli())
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return store.AppendLogEntry(channelstore.LogEntry{
		TimestampUnixMs: time.Now().UnixMilli(),
		Direction:       "inbound",
		EventKey:        eventKey,
		Source:          "route-binding-resolver",
		Payload:         raw,
	})
}

func loadBindingFile(path string) (routebinding.BindingFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return routebinding.BindingFile{SchemaVersion: 1}, nil
		}
		return routebinding.BindingFile{}, fmt.Errorf("read route bindings: %w", err)
	}
	var file routebinding.BindingFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return routebinding.BindingFile{}, fmt.Errorf("parse route bindings: %w", err)
	}
	if err := routebinding.NormalizeBindingFile(&file); err != nil {
		return routebinding.BindingFile{}, fmt.Errorf("invalid route bindings: %w", err)
	}
	return file, nil
}

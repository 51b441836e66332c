package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/njfio/sentium/internal/rbac"
)

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "Inspect and test the RBAC policy",
	}
	cmd.AddCommand(rbacWhoAmICmd())
	cmd.AddCommand(rbacCheckCmd())
	return cmd
}

func rbacWhoAmICmd() *cobra.Command {
	var principal string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the effective RBAC principal and bound roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rbac.DefaultPolicyPath(".tau")
			policy, err := rbac.LoadPolicy(path)
			if err != nil {
				return err
			}
			if principal == "" {
				principal = rbac.LocalPrincipal("")
			}
			roles := rolesForPrincipal(policy, principal)

			if asJSON {
				data, err := json.Marshal(map[string]any{
					"principal":   principal,
					"team_mode":   policy.TeamMode,
					"roles":       roles,
					"policy_path": path,
				})
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			rolesText := "none"
			if len(roles) > 0 {
				rolesText = joinComma(roles)
			}
			fmt.Printf("rbac whoami: principal=%s team_mode=%t roles=%s policy=%s\n", principal, policy.TeamMode, rolesText, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "principal to inspect (default: local actor)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON output")
	return cmd
}

func rbacCheckCmd() *cobra.Command {
	var principal, action string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate whether a principal may perform an action",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rbac.DefaultPolicyPath(".tau")
			policy, err := rbac.LoadPolicy(path)
			if err != nil {
				return err
			}
			if principal == "" {
				principal = rbac.LocalPrincipal("")
			}
			decision := rbac.EvaluatePolicy(policy, principal, action)
			decisionLabel := "deny"
			if decision.Allowed {
				decisionLabel = "allow"
			}
			matchedRole := decision.MatchedRole
			if matchedRole == "" {
				matchedRole = "none"
			}
			matchedPattern := decision.MatchedPattern
			if matchedPattern == "" {
				matchedPattern = "none"
			}

			if asJSON {
				data, err := json.Marshal(map[string]any{
					"principal":       principal,
					"action":          action,
					"decision":        decisionLabel,
					"reason_code":     decision.ReasonCode,
					"matched_role":    matchedRole,
					"matched_pattern": matchedPattern,
					"policy_path":     path,
				})
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			fmt.Printf("rbac check: principal=%s action=%s decision=%s reason_code=%s matched_role=%s matched_pattern=%s policy=%s\n",
				principal, action, decisionLabel, decision.ReasonCode, matchedRole, matchedPattern, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "principal to check (default: local actor)")
	cmd.Flags().StringVar(&action, "action", "", "action to check, e.g. tool:bash")
	cmd.MarkFlagRequired("action")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON output")
	return cmd
}

func rolesForPrincipal(policy rbac.PolicyFile, principal string) []string {
	return rbac.ResolveRolesForPrincipal(policy, principal)
}

func joinComma(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

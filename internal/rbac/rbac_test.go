package rbac

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEvaluatePolicyTeamModeDisabledAllowsAll(t *testing.T) {
	policy := defaultPolicy()
	decision := EvaluatePolicy(policy, "local:alice", "tool:bash")
	if !decision.Allowed || decision.ReasonCode != "allow_team_mode_disabled" {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestEvaluatePolicyDenyBeforeAllow(t *testing.T) {
	policy := PolicyFile{
		SchemaVersion: schemaVersion,
		TeamMode:      true,
		Bindings:      []Binding{{Principal: "local:alice", Roles: []string{"dev"}}},
		Roles: map[string]RolePolicy{
			"dev": {Allow: []string{"tool:*"}, Deny: []string{"tool:bash"}},
		},
	}
	decision := EvaluatePolicy(policy, "local:alice", "tool:bash")
	if decision.Allowed || decision.ReasonCode != "deny_role_policy" {
		t.Fatalf("expected deny_role_policy, got %+v", decision)
	}
	decision = EvaluatePolicy(policy, "local:alice", "tool:read")
	if !decision.Allowed || decision.ReasonCode != "allow_role_policy" {
		t.Fatalf("expected allow_role_policy, got %+v", decision)
	}
}

func TestEvaluatePolicyUnboundPrincipalDenied(t *testing.T) {
	policy := PolicyFile{SchemaVersion: schemaVersion, TeamMode: true, Roles: map[string]RolePolicy{}}
	decision := EvaluatePolicy(policy, "local:stranger", "tool:read")
	if decision.Allowed || decision.ReasonCode != "deny_unbound_principal" {
		t.Fatalf("expected deny_unbound_principal, got %+v", decision)
	}
}

func TestEvaluatePolicyWildcardPrincipalBinding(t *testing.T) {
	policy := PolicyFile{
		SchemaVersion: schemaVersion,
		TeamMode:      true,
		Bindings:      []Binding{{Principal: "github:*", Roles: []string{"contributor"}}},
		Roles:         map[string]RolePolicy{"contributor": {Allow: []string{"tool:read"}}},
	}
	decision := EvaluatePolicy(policy, "github:octocat", "tool:read")
	if !decision.Allowed {
		t.Fatalf("expected wildcard principal binding to match: %+v", decision)
	}
}

func TestSanitizePrincipalComponent(t *testing.T) {
	if got := SanitizePrincipalComponent("Alice Smith!"); got != "alice-smith-" {
		t.Fatalf("unexpected sanitized component: %q", got)
	}
	if got := SanitizePrincipalComponent("   "); got != "unknown" {
		t.Fatalf("expected unknown for blank input, got %q", got)
	}
}

func TestLoadPolicyMissingFileIsPermissive(t *testing.T) {
	policy, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if policy.TeamMode {
		t.Fatalf("expected team_mode=false default")
	}
}

func TestLoadPolicyRejectsDuplicateBindings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rbac.json")
	payload := `{
		"schema_version": 1,
		"team_mode": true,
		"bindings": [
			{"principal": "local:alice", "roles": ["dev"]},
			{"principal": "local:alice", "roles": ["viewer"]}
		],
		"roles": {"dev": {"allow": ["tool:*"]}, "viewer": {"allow": ["tool:read"]}}
	}`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Fatalf("expected duplicate binding error")
	}
}

func TestDefaultPolicyPathHonorsEnv(t *testing.T) {
	t.Setenv("TAU_RBAC_POLICY_PATH", "/tmp/custom-rbac.json")
	if got := DefaultPolicyPath("/root/.tau"); got != "/tmp/custom-rbac.json" {
		t.Fatalf("expected env override, got %q", got)
	}
	t.Setenv("TAU_RBAC_POLICY_PATH", "")
	if got := DefaultPolicyPath("/root/.tau"); got != "/root/.tau/security/rbac.json" {
		t.Fatalf("expected default path, got %q", got)
	}
}

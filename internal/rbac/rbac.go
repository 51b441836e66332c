// Package rbac implements deny-before-allow role-based authorization
// over a JSON policy file, per spec.md §4.5/§6 and the original
// rbac.rs module it is grounded on. Pattern matching is deliberately
// kept to a manual wildcard check rather than regexp — a single
// trailing "*" is the only wildcard form the policy format supports.
package rbac

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const schemaVersion = 1

// RolePolicy lists allow/deny action patterns for one role.
type RolePolicy struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// Binding attaches one or more roles to a principal pattern.
type Binding struct {
	Principal string   `json:"principal"`
	Roles     []string `json:"roles"`
}

// PolicyFile is the on-disk RBAC policy, security/rbac.json.
type PolicyFile struct {
	SchemaVersion int                   `json:"schema_version"`
	TeamMode      bool                  `json:"team_mode"`
	Bindings      []Binding             `json:"bindings"`
	Roles         map[string]RolePolicy `json:"roles"`
}

func defaultPolicy() PolicyFile {
	return PolicyFile{SchemaVersion: schemaVersion, Roles: map[string]RolePolicy{}}
}

// LoadPolicy reads and validates a policy file. A missing file yields
// the zero-value (team_mode=false) policy, which allows everything.
func LoadPolicy(path string) (PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultPolicy(), nil
		}
		return PolicyFile{}, fmt.Errorf("read rbac policy %s: %w", path, err)
	}
	var policy PolicyFile
	if err := json.Unmarshal(data, &policy); err != nil {
		return PolicyFile{}, fmt.Errorf("parse rbac policy %s: %w", path, err)
	}
	if err := validatePolicy(policy); err != nil {
		return PolicyFile{}, err
	}
	return policy, nil
}

func validatePolicy(policy PolicyFile) error {
	if policy.SchemaVersion != schemaVersion {
		return fmt.Errorf("unsupported rbac schema version %d (expected %d)", policy.SchemaVersion, schemaVersion)
	}
	seen := make(map[string]bool)
	for _, binding := range policy.Bindings {
		if strings.TrimSpace(binding.Principal) == "" {
			return fmt.Errorf("rbac binding principal must not be empty")
		}
		if seen[binding.Principal] {
			return fmt.Errorf("duplicate rbac principal binding %q; merge roles into one binding", binding.Principal)
		}
		seen[binding.Principal] = true
		if len(binding.Roles) == 0 {
			return fmt.Errorf("rbac binding for principal %q must include at least one role", binding.Principal)
		}
		for _, role := range binding.Roles {
			if strings.TrimSpace(role) == "" {
				return fmt.Errorf("rbac binding for principal %q contains empty role id", binding.Principal)
			}
		}
	}
	for roleID, rolePolicy := range policy.Roles {
		if strings.TrimSpace(roleID) == "" {
			return fmt.Errorf("rbac role id must not be empty")
		}
		if len(rolePolicy.Allow) == 0 && len(rolePolicy.Deny) == 0 {
			return fmt.Errorf("rbac role %q must include at least one allow or deny rule", roleID)
		}
	}
	return nil
}

// Decision is the outcome of EvaluatePolicy.
type Decision struct {
	Allowed        bool
	ReasonCode     string
	MatchedRole    string
	MatchedPattern string
}

// EvaluatePolicy runs the deny-before-allow pipeline for principal
// attempting action.
func EvaluatePolicy(policy PolicyFile, principal, action string) Decision {
	principal = strings.TrimSpace(principal)
	if !policy.TeamMode {
		return Decision{Allowed: true, ReasonCode: "allow_team_mode_disabled"}
	}
	if principal == "" {
		return Decision{Allowed: false, ReasonCode: "deny_principal_missing"}
	}

	roles := resolveRolesForPrincipal(policy, principal)
	if len(roles) == 0 {
		return Decision{Allowed: false, ReasonCode: "deny_unbound_principal"}
	}

	for _, role := range roles {
		rolePolicy, ok := policy.Roles[role]
		if !ok {
			continue
		}
		for _, pattern := range rolePolicy.Deny {
			if wildcardMatches(pattern, action) {
				return Decision{Allowed: false, ReasonCode: "deny_role_policy", MatchedRole: role, MatchedPattern: pattern}
			}
		}
	}

	for _, role := range roles {
		rolePolicy, ok := policy.Roles[role]
		if !ok {
			continue
		}
		for _, pattern := range rolePolicy.Allow {
			if wildcardMatches(pattern, action) {
				return Decision{Allowed: true, ReasonCode: "allow_role_policy", MatchedRole: role, MatchedPattern: pattern}
			}
		}
	}

	return Decision{Allowed: false, ReasonCode: "deny_no_matching_allow"}
}

// ResolveRolesForPrincipal returns the sorted, deduplicated set of
// roles bound to principal across all bindings.
func ResolveRolesForPrincipal(policy PolicyFile, principal string) []string {
	return resolveRolesForPrincipal(policy, principal)
}

func resolveRolesForPrincipal(policy PolicyFile, principal string) []string {
	set := make(map[string]bool)
	for _, binding := range policy.Bindings {
		if wildcardMatches(binding.Principal, principal) {
			for _, role := range binding.Roles {
				role = strings.TrimSpace(role)
				if role != "" {
					set[role] = true
				}
			}
		}
	}
	roles := make([]string, 0, len(set))
	for role := range set {
		roles = append(roles, role)
	}
	sortStrings(roles)
	return roles
}

// wildcardMatches supports exactly one wildcard form: a single
// trailing "*" matches by prefix; "*" alone matches everything; any
// other pattern matches only by exact equality.
func wildcardMatches(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(value, prefix)
	}
	return pattern == value
}

// SanitizePrincipalComponent lowercases raw and collapses any
// character outside [a-z0-9-_] to '-'.
func SanitizePrincipalComponent(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "unknown"
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(toLowerASCII(r))
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if out == "" {
		return "unknown"
	}
	return out
}

func toLowerASCII(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// LocalPrincipal formats "local:{sanitized-actor}", preferring an
// explicit override, then TAU_RBAC_LOCAL_ACTOR, then USER/LOGNAME.
func LocalPrincipal(actorOverride string) string {
	actor := strings.TrimSpace(actorOverride)
	if actor == "" {
		actor = strings.TrimSpace(os.Getenv("TAU_RBAC_LOCAL_ACTOR"))
	}
	if actor == "" {
		actor = os.Getenv("USER")
	}
	if actor == "" {
		actor = os.Getenv("LOGNAME")
	}
	if actor == "" {
		actor = "operator"
	}
	return "local:" + SanitizePrincipalComponent(actor)
}

// ChannelPrincipal formats "{channel}:{sanitized-id}" for
// webhook/transport-originated runs.
func ChannelPrincipal(channel, id string) string {
	return channel + ":" + SanitizePrincipalComponent(id)
}

// DefaultPolicyPath honors TAU_RBAC_POLICY_PATH, falling back to
// <root>/security/rbac.json.
func DefaultPolicyPath(root string) string {
	if path := strings.TrimSpace(os.Getenv("TAU_RBAC_POLICY_PATH")); path != "" {
		return path
	}
	return root + "/security/rbac.json"
}

// Gate adapts a loaded PolicyFile to toolpolicy.RBACGate.
type Gate struct {
	Policy PolicyFile
}

// Authorize implements toolpolicy.RBACGate.
func (g Gate) Authorize(principal, action string) (bool, string) {
	decision := EvaluatePolicy(g.Policy, principal, action)
	return decision.Allowed, decision.ReasonCode
}

// Package router implements multi-agent role selection and the plan-first
// orchestration protocol: planner -> delegated steps -> review.
package router

import (
	"sort"
)

// Phase identifies a stage of the plan-first protocol.
type Phase string

const (
	PhasePlanner       Phase = "planner"
	PhaseDelegatedStep Phase = "delegated_step"
	PhaseReview        Phase = "review"
)

func (p Phase) String() string { return string(p) }

// RoleProfile describes one addressable role in a route table.
type RoleProfile struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
	TrustWeight  *uint16 `json:"trust_weight,omitempty"`
}

// PhaseRoute names the primary role and ordered fallbacks for a phase,
// optionally keyed by category (e.g. delegated-step category hints).
type PhaseRoute struct {
	Role          string            `json:"role"`
	FallbackRoles []string          `json:"fallback_roles,omitempty"`
	ByCategory    map[string]string `json:"by_category,omitempty"`
}

// RouteTable is the full routing configuration: named roles plus a
// PhaseRoute per protocol phase.
type RouteTable struct {
	Roles     map[string]RoleProfile `json:"roles,omitempty"`
	Planner   PhaseRoute             `json:"planner"`
	Delegated PhaseRoute             `json:"delegated"`
	Review    PhaseRoute             `json:"review"`
}

// DefaultRouteTable returns a minimal single-role table: every phase routes
// to "default" with no fallback, matching the original's zero-value table.
func DefaultRouteTable() RouteTable {
	return RouteTable{
		Roles:     map[string]RoleProfile{"default": {}},
		Planner:   PhaseRoute{Role: "default"},
		Delegated: PhaseRoute{Role: "default"},
		Review:    PhaseRoute{Role: "default"},
	}
}

func (t RouteTable) phaseRoute(phase Phase) PhaseRoute {
	switch phase {
	case PhasePlanner:
		return t.Planner
	case PhaseDelegatedStep:
		return t.Delegated
	case PhaseReview:
		return t.Review
	default:
		return PhaseRoute{Role: "default"}
	}
}

// TrustInput carries the scores an inbound envelope supplied for
// trust-weighted role reordering.
type TrustInput struct {
	GlobalScore        *uint8
	RoleScores         map[string]uint8
	MinimumScore       *uint8
	UpdatedUnixMs      *uint64
	NowUnixMs          uint64
	StaleAfterSeconds  *uint64
	ScoreSourceKeyUsed string
}

// Selection is the result of resolving a phase (and optional category) to
// a concrete ordered list of roles to attempt.
type Selection struct {
	Phase            Phase
	Category         *string
	PrimaryRole      string
	FallbackRoles    []string
	AttemptRoles     []string
	TrustStatus      string
	TrustScore       *uint8
	TrustThreshold   *uint8
	TrustStale       bool
	TrustScoreSource *string
}

// SelectRoute resolves phase (+ optional category, used only for
// DelegatedStep) to a role and its fallback chain, with no trust input.
func SelectRoute(table RouteTable, phase Phase, category *string) Selection {
	return SelectRouteWithTrust(table, phase, category, nil)
}

// SelectRouteWithTrust is SelectRoute plus trust-weighted role reordering.
//
// Reordering only applies when trust is non-nil and a score is available
// for the table's own ordering; scores below the configured (or caller's)
// minimum leave the original order untouched (status fallback_low_trust).
// A present-but-expired updated_unix_ms yields trust_stale and also leaves
// the order untouched — staleness must never silently upgrade a role.
func SelectRouteWithTrust(table RouteTable, phase Phase, category *string, trust *TrustInput) Selection {
	route := table.phaseRoute(phase)
	primary := route.Role
	fallback := append([]string{}, route.FallbackRoles...)

	if phase == PhaseDelegatedStep && category != nil {
		if role, ok := route.ByCategory[*category]; ok && role != "" {
			primary = role
			fallback = nil
		}
	}

	attempt := append([]string{primary}, fallback...)

	sel := Selection{
		Phase:         phase,
		Category:      category,
		PrimaryRole:   primary,
		FallbackRoles: fallback,
		AttemptRoles:  attempt,
		TrustStatus:   "disabled",
	}

	if trust == nil {
		return sel
	}
	if trust.ScoreSourceKeyUsed != "" {
		source := trust.ScoreSourceKeyUsed
		sel.TrustScoreSource = &source
	}

	if trust.StaleAfterSeconds != nil && trust.UpdatedUnixMs != nil {
		ageMs := trust.NowUnixMs - *trust.UpdatedUnixMs
		if trust.NowUnixMs < *trust.UpdatedUnixMs {
			ageMs = 0
		}
		if ageMs > *trust.StaleAfterSeconds*1000 {
			sel.TrustStatus = "trust_stale"
			sel.TrustStale = true
			return sel
		}
	}

	score, ok := resolveScoreForRole(trust, primary)
	if !ok {
		return sel
	}
	sel.TrustScore = &score
	sel.TrustThreshold = trust.MinimumScore

	if trust.MinimumScore != nil && score < *trust.MinimumScore {
		sel.TrustStatus = "fallback_low_trust"
		return sel
	}

	reordered := reorderByTrustWeight(table, attempt, trust)
	if len(reordered) > 0 {
		sel.AttemptRoles = reordered
		sel.PrimaryRole = reordered[0]
		sel.FallbackRoles = reordered[1:]
		sel.TrustStatus = "trust_weighted"
	}
	return sel
}

func resolveScoreForRole(trust *TrustInput, role string) (uint8, bool) {
	if score, ok := trust.RoleScores[role]; ok {
		return score, true
	}
	if trust.GlobalScore != nil {
		return *trust.GlobalScore, true
	}
	return 0, false
}

// reorderByTrustWeight ranks attempt roles by role.trust_weight * score,
// descending, stable on ties (original relative order preserved).
func reorderByTrustWeight(table RouteTable, attempt []string, trust *TrustInput) []string {
	type weighted struct {
		role  string
		score float64
		index int
	}
	items := make([]weighted, 0, len(attempt))
	anyWeighted := false
	for i, role := range attempt {
		weight := uint16(1)
		if profile, ok := table.Roles[role]; ok && profile.TrustWeight != nil {
			weight = *profile.TrustWeight
			anyWeighted = true
		}
		score, ok := resolveScoreForRole(trust, role)
		s := float64(score)
		if !ok {
			s = 0
		}
		items = append(items, weighted{role: role, score: float64(weight) * s, index: i})
	}
	if !anyWeighted {
		return nil
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].score > items[j].score
	})
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.role
	}
	return out
}

// ResolveRoleProfile returns the named role's profile, or a zero-value
// profile if the table has no entry for it.
func ResolveRoleProfile(table RouteTable, role string) RoleProfile {
	return table.Roles[role]
}

// BuildRolePrompt prefixes the role's system prompt (if any) onto the task
// text, matching the original's plain-concatenation prompt assembly.
func BuildRolePrompt(table RouteTable, role, taskText string) string {
	profile := ResolveRoleProfile(table, role)
	if profile.SystemPrompt == "" {
		return taskText
	}
	return profile.SystemPrompt + "\n\n" + taskText
}

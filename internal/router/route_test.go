package router

import "testing"

func TestSelectRouteDefaultTableNoFallback(t *testing.T) {
	table := DefaultRouteTable()
	sel := SelectRoute(table, PhasePlanner, nil)
	if sel.PrimaryRole != "default" || len(sel.AttemptRoles) != 1 {
		t.Fatalf("unexpected selection: %+v", sel)
	}
	if sel.TrustStatus != "disabled" {
		t.Fatalf("expected disabled trust status, got %s", sel.TrustStatus)
	}
}

func TestSelectRouteDelegatedStepCategoryOverride(t *testing.T) {
	table := RouteTable{
		Roles: map[string]RoleProfile{"primary": {}, "specialist": {}},
		Delegated: PhaseRoute{
			Role:          "primary",
			FallbackRoles: []string{"fallback"},
			ByCategory:    map[string]string{"infra": "specialist"},
		},
	}
	category := "infra"
	sel := SelectRoute(table, PhaseDelegatedStep, &category)
	if sel.PrimaryRole != "specialist" {
		t.Fatalf("expected category override to 'specialist', got %s", sel.PrimaryRole)
	}
	if len(sel.FallbackRoles) != 0 {
		t.Fatalf("category override should drop fallback roles, got %v", sel.FallbackRoles)
	}
}

func weight(v uint16) *uint16 { return &v }
func score(v uint8) *uint8    { return &v }

func TestSelectRouteWithTrustReordersByWeightedScore(t *testing.T) {
	table := RouteTable{
		Roles: map[string]RoleProfile{
			"primary":  {TrustWeight: weight(1)},
			"fallback": {TrustWeight: weight(3)},
		},
		Planner: PhaseRoute{Role: "primary", FallbackRoles: []string{"fallback"}},
	}
	trust := &TrustInput{
		RoleScores: map[string]uint8{"primary": 50, "fallback": 90},
		NowUnixMs:  1_000,
	}
	sel := SelectRouteWithTrust(table, PhasePlanner, nil, trust)
	if sel.TrustStatus != "trust_weighted" {
		t.Fatalf("expected trust_weighted, got %s", sel.TrustStatus)
	}
	if sel.PrimaryRole != "fallback" {
		t.Fatalf("expected fallback role to win on weighted score, got %s", sel.PrimaryRole)
	}
}

func TestSelectRouteWithTrustBelowThresholdFallsBackToOriginalOrder(t *testing.T) {
	table := RouteTable{
		Roles:   map[string]RoleProfile{"primary": {TrustWeight: weight(1)}, "fallback": {TrustWeight: weight(5)}},
		Planner: PhaseRoute{Role: "primary", FallbackRoles: []string{"fallback"}},
	}
	trust := &TrustInput{
		RoleScores:   map[string]uint8{"primary": 10},
		MinimumScore: score(50),
		NowUnixMs:    1_000,
	}
	sel := SelectRouteWithTrust(table, PhasePlanner, nil, trust)
	if sel.TrustStatus != "fallback_low_trust" {
		t.Fatalf("expected fallback_low_trust, got %s", sel.TrustStatus)
	}
	if sel.PrimaryRole != "primary" {
		t.Fatalf("expected original order preserved, got %s", sel.PrimaryRole)
	}
}

func TestSelectRouteWithTrustStaleScoreIsIgnored(t *testing.T) {
	table := RouteTable{
		Roles:   map[string]RoleProfile{"primary": {}, "fallback": {}},
		Planner: PhaseRoute{Role: "primary", FallbackRoles: []string{"fallback"}},
	}
	updated := uint64(0)
	staleAfter := uint64(10)
	trust := &TrustInput{
		RoleScores:        map[string]uint8{"primary": 99},
		UpdatedUnixMs:     &updated,
		StaleAfterSeconds: &staleAfter,
		NowUnixMs:         20_000,
	}
	sel := SelectRouteWithTrust(table, PhasePlanner, nil, trust)
	if sel.TrustStatus != "trust_stale" || !sel.TrustStale {
		t.Fatalf("expected trust_stale, got %+v", sel)
	}
	if sel.PrimaryRole != "primary" {
		t.Fatalf("stale trust must not reorder roles, got %s", sel.PrimaryRole)
	}
}

func TestBuildRolePromptPrependsSystemPrompt(t *testing.T) {
	table := RouteTable{Roles: map[string]RoleProfile{"reviewer": {SystemPrompt: "Be terse."}}}
	prompt := BuildRolePrompt(table, "reviewer", "do the thing")
	if prompt != "Be terse.\n\ndo the thing" {
		t.Fatalf("unexpected prompt: %q", prompt)
	}
	if BuildRolePrompt(table, "unknown", "do the thing") != "do the thing" {
		t.Fatalf("expected passthrough for role with no system prompt")
	}
}

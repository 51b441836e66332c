package routebinding

import (
	"encoding/json"
	"testing"

	"github.com/njfio/sentium/internal/router"
)

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func sampleEvent(t *testing.T) InboundEvent {
	return InboundEvent{
		Transport:      "discord",
		EventKind:      EventMessage,
		ConversationID: "ops-room",
		ActorID:        "user-42",
		Text:           "please investigate incident",
		Metadata: map[string]json.RawMessage{
			"account_id": rawJSON(t, "discord-main"),
		},
	}
}

func trustWeightedTable(primary, fallback *uint16) router.RouteTable {
	return router.RouteTable{
		Roles: map[string]router.RoleProfile{
			"primary":  {TrustWeight: primary},
			"fallback": {TrustWeight: fallback},
		},
		Planner:   router.PhaseRoute{Role: "primary", FallbackRoles: []string{"fallback"}},
		Delegated: router.PhaseRoute{Role: "primary", FallbackRoles: []string{"fallback"}},
		Review:    router.PhaseRoute{Role: "primary", FallbackRoles: []string{"fallback"}},
	}
}

func TestNormalizeBindingFileRejectsDuplicateIDs(t *testing.T) {
	file := BindingFile{SchemaVersion: 1, Bindings: []Binding{
		{BindingID: "a"}, {BindingID: "a"},
	}}
	if err := NormalizeBindingFile(&file); err == nil {
		t.Fatalf("expected duplicate binding_id error")
	}
}

func TestNormalizeBindingFileDefaultsToWildcard(t *testing.T) {
	file := BindingFile{SchemaVersion: 1, Bindings: []Binding{{BindingID: "a"}}}
	if err := NormalizeBindingFile(&file); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if file.Bindings[0].Transport != "*" || file.Bindings[0].ActorID != "*" {
		t.Fatalf("expected wildcard defaults, got %+v", file.Bindings[0])
	}
}

func TestResolveRoutePrefersHighestSpecificity(t *testing.T) {
	file := BindingFile{SchemaVersion: 1, Bindings: []Binding{
		{BindingID: "generic", Transport: "*", AccountID: "*", ConversationID: "*", ActorID: "*"},
		{BindingID: "specific", Transport: "discord", AccountID: "discord-main", ConversationID: "ops-room", ActorID: "user-42"},
	}}
	if err := NormalizeBindingFile(&file); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	decision := ResolveRoute(file, router.DefaultRouteTable(), sampleEvent(t))
	if decision.BindingID != "specific" || decision.MatchSpecificity != 4 {
		t.Fatalf("expected specific binding with specificity 4, got %+v", decision)
	}
}

func TestResolveRouteTieBreaksOnEarliestBinding(t *testing.T) {
	file := BindingFile{SchemaVersion: 1, Bindings: []Binding{
		{BindingID: "first", Transport: "discord", AccountID: "*", ConversationID: "*", ActorID: "*"},
		{BindingID: "second", Transport: "discord", AccountID: "*", ConversationID: "*", ActorID: "*"},
	}}
	if err := NormalizeBindingFile(&file); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	decision := ResolveRoute(file, router.DefaultRouteTable(), sampleEvent(t))
	if decision.BindingID != "first" {
		t.Fatalf("expected first binding to win tie, got %s", decision.BindingID)
	}
}

func TestResolveRouteUnmatchedProducesDefaultBinding(t *testing.T) {
	file := BindingFile{SchemaVersion: 1, Bindings: []Binding{
		{BindingID: "narrow", Transport: "telegram", AccountID: "*", ConversationID: "*", ActorID: "*"},
	}}
	if err := NormalizeBindingFile(&file); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	decision := ResolveRoute(file, router.DefaultRouteTable(), sampleEvent(t))
	if decision.Matched || decision.BindingID != "default" {
		t.Fatalf("expected unmatched default binding, got %+v", decision)
	}
}

func TestRenderSessionKeyTemplateSubstitutesAndSanitizes(t *testing.T) {
	template := "{transport}:{account_id}:{conversation_id}!!weird"
	file := BindingFile{SchemaVersion: 1, Bindings: []Binding{
		{BindingID: "tmpl", Transport: "*", AccountID: "*", ConversationID: "*", ActorID: "*", SessionKeyTemplate: template},
	}}
	if err := NormalizeBindingFile(&file); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	decision := ResolveRoute(file, router.DefaultRouteTable(), sampleEvent(t))
	want := "discord:discord-main:ops-room__weird"
	if decision.SessionKey != want {
		t.Fatalf("expected %q, got %q", want, decision.SessionKey)
	}
}

func TestRenderSessionKeyTemplateEmptyFallsBackToConversationID(t *testing.T) {
	file := BindingFile{SchemaVersion: 1, Bindings: []Binding{
		{BindingID: "blank-template", Transport: "*", AccountID: "*", ConversationID: "*", ActorID: "*", SessionKeyTemplate: "!!!"},
	}}
	if err := NormalizeBindingFile(&file); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	decision := ResolveRoute(file, router.DefaultRouteTable(), sampleEvent(t))
	if decision.SessionKey != "ops-room" {
		t.Fatalf("expected fallback to conversation id, got %q", decision.SessionKey)
	}
}

func TestResolveRouteAppliesTrustScoresMap(t *testing.T) {
	w1, w3 := uint16(1), uint16(3)
	table := trustWeightedTable(&w1, &w3)
	event := sampleEvent(t)
	event.Metadata[trustScoresKey] = rawJSON(t, map[string]int{"primary": 40, "fallback": 95})

	file := BindingFile{SchemaVersion: 1, Bindings: []Binding{
		{BindingID: "trusted", Transport: "*", AccountID: "*", ConversationID: "*", ActorID: "*"},
	}}
	if err := NormalizeBindingFile(&file); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	decision := ResolveRoute(file, table, event)
	if decision.TrustStatus != "trust_weighted" {
		t.Fatalf("expected trust_weighted, got %s", decision.TrustStatus)
	}
	if decision.SelectedRole != "fallback" {
		t.Fatalf("expected fallback role to win on trust weighting, got %s", decision.SelectedRole)
	}
}

func TestResolveAccountIDFallsThroughKnownKeys(t *testing.T) {
	event := InboundEvent{Metadata: map[string]json.RawMessage{
		"telegram_bot_id": rawJSON(t, "tg-1"),
	}}
	if got := ResolveAccountID(event); got != "tg-1" {
		t.Fatalf("expected tg-1, got %q", got)
	}
}

// Package routebinding maps an inbound channel envelope to a concrete
// route decision: which binding matched, which role/phase was selected,
// and the rendered session key the rest of the runtime keys its state on.
package routebinding

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/njfio/sentium/internal/router"
)

const (
	schemaVersion     = 1
	wildcardSelector  = "*"
	trustScoreKey     = "trust_score"
	trustScoresKey    = "trust_scores"
	trustUpdatedKey   = "trust_updated_unix_ms"
)

// BindingsFileName is the on-disk name for a route-binding configuration
// under a runtime's security directory.
const BindingsFileName = "multi-channel-route-bindings.json"

// Binding is one routing rule. Transport/AccountID/ConversationID/ActorID
// default to the wildcard selector "*" when omitted.
type Binding struct {
	BindingID               string        `json:"binding_id"`
	Transport                string        `json:"transport,omitempty"`
	AccountID                string        `json:"account_id,omitempty"`
	ConversationID           string        `json:"conversation_id,omitempty"`
	ActorID                  string        `json:"actor_id,omitempty"`
	Phase                    *router.Phase `json:"phase,omitempty"`
	CategoryHint             string        `json:"category_hint,omitempty"`
	SessionKeyTemplate       string        `json:"session_key_template,omitempty"`
	TrustScoreSource         string        `json:"trust_score_source,omitempty"`
	TrustScoreThreshold      *uint8        `json:"trust_score_threshold,omitempty"`
	TrustStaleAfterSeconds   *uint64       `json:"trust_stale_after_seconds,omitempty"`
}

// BindingFile is the root document format for BindingsFileName.
type BindingFile struct {
	SchemaVersion int       `json:"schema_version"`
	Bindings      []Binding `json:"bindings"`
}

// InboundEvent is the envelope the resolver matches against.
type InboundEvent struct {
	Transport      string
	EventKind      EventKind
	ConversationID string
	ActorID        string
	Text           string
	Metadata       map[string]json.RawMessage
}

// EventKind distinguishes the default phase an unmatched/phase-less
// binding routes to.
type EventKind string

const (
	EventCommand EventKind = "command"
	EventSystem  EventKind = "system"
	EventMessage EventKind = "message"
	EventEdit    EventKind = "edit"
)

func defaultPhaseForEvent(kind EventKind) router.Phase {
	switch kind {
	case EventCommand:
		return router.PhasePlanner
	case EventSystem:
		return router.PhaseReview
	default:
		return router.PhaseDelegatedStep
	}
}

// Decision is the fully-resolved outcome of routing one inbound event.
type Decision struct {
	BindingID         string        `json:"binding_id"`
	Matched           bool          `json:"matched"`
	MatchSpecificity  int           `json:"match_specificity"`
	Phase             router.Phase  `json:"phase"`
	AccountID         string        `json:"account_id"`
	RequestedCategory *string       `json:"requested_category,omitempty"`
	SelectedRole      string        `json:"selected_role"`
	FallbackRoles     []string      `json:"fallback_roles,omitempty"`
	AttemptRoles      []string      `json:"attempt_roles,omitempty"`
	SelectedCategory  *string       `json:"selected_category,omitempty"`
	SessionKey        string        `json:"session_key"`
	TrustStatus       string        `json:"trust_status"`
	TrustScore        *uint8        `json:"trust_score,omitempty"`
	TrustThreshold    *uint8        `json:"trust_threshold,omitempty"`
	TrustStale        bool          `json:"trust_stale"`
	TrustScoreSource  *string       `json:"trust_score_source,omitempty"`
	TrustInputSource  *string       `json:"trust_input_source,omitempty"`
}

// NormalizeBindingFile validates and canonicalizes selectors in place:
// transport is lowercased, wildcards pass through, free-form selectors
// containing '*' are rejected (only the bare wildcard selector is valid).
func NormalizeBindingFile(file *BindingFile) error {
	if file.SchemaVersion != schemaVersion {
		return fmt.Errorf("unsupported route binding schema_version %d (expected %d)", file.SchemaVersion, schemaVersion)
	}
	seen := make(map[string]bool, len(file.Bindings))
	for i := range file.Bindings {
		b := &file.Bindings[i]
		id := strings.TrimSpace(b.BindingID)
		if id == "" {
			return fmt.Errorf("binding_id cannot be empty")
		}
		if seen[id] {
			return fmt.Errorf("duplicate binding_id '%s'", id)
		}
		seen[id] = true
		b.BindingID = id

		var err error
		if b.Transport, err = normalizeSelector(b.Transport, true); err != nil {
			return err
		}
		if b.AccountID, err = normalizeSelector(b.AccountID, false); err != nil {
			return err
		}
		if b.ConversationID, err = normalizeSelector(b.ConversationID, false); err != nil {
			return err
		}
		if b.ActorID, err = normalizeSelector(b.ActorID, false); err != nil {
			return err
		}
		if b.TrustScoreSource == "" {
			b.TrustScoreSource = trustScoreKey
		}
		if b.TrustScoreThreshold != nil && *b.TrustScoreThreshold > 100 {
			return fmt.Errorf("binding '%s' trust_score_threshold %d exceeds 100", b.BindingID, *b.TrustScoreThreshold)
		}
		if b.TrustStaleAfterSeconds != nil && *b.TrustStaleAfterSeconds == 0 {
			return fmt.Errorf("binding '%s' trust_stale_after_seconds must be greater than 0", b.BindingID)
		}
	}
	return nil
}

func normalizeSelector(raw string, lowercase bool) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return wildcardSelector, nil
	}
	if trimmed == wildcardSelector {
		return trimmed, nil
	}
	if strings.Contains(trimmed, "*") {
		return "", fmt.Errorf("selector '%s' is invalid; only '*' wildcard is supported", trimmed)
	}
	if lowercase {
		return strings.ToLower(trimmed), nil
	}
	return trimmed, nil
}

// ResolveAccountID extracts the account identifier from well-known
// per-transport metadata keys, in priority order.
func ResolveAccountID(event InboundEvent) string {
	for _, key := range []string{
		"account_id", "telegram_bot_id", "discord_bot_id", "discord_application_id",
		"whatsapp_business_account_id", "whatsapp_phone_number_id",
	} {
		if raw, ok := event.Metadata[key]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return ""
}

// ResolveRoute maps an inbound event to a Decision, selecting the
// highest-specificity matching binding (earliest wins on ties), then
// running the multi-agent router to pick a role and rendering the
// session key template.
func ResolveRoute(bindings BindingFile, table router.RouteTable, event InboundEvent) Decision {
	accountID := ResolveAccountID(event)
	defaultPhase := defaultPhaseForEvent(event.EventKind)

	matchedBinding, specificity, matched := selectBestBinding(bindings, event, accountID)

	var (
		bindingID              = "default"
		requestedCategory      *string
		phase                  = defaultPhase
		sessionKeyTemplate     string
		trustScoreSourceKey    *string
		trustScoreThreshold    *uint8
		trustStaleAfterSeconds *uint64
	)
	if matched {
		bindingID = matchedBinding.BindingID
		if matchedBinding.CategoryHint != "" {
			hint := matchedBinding.CategoryHint
			requestedCategory = &hint
		}
		if matchedBinding.Phase != nil {
			phase = *matchedBinding.Phase
		}
		sessionKeyTemplate = strings.TrimSpace(matchedBinding.SessionKeyTemplate)
		if matchedBinding.TrustScoreSource != "" {
			source := matchedBinding.TrustScoreSource
			trustScoreSourceKey = &source
		}
		trustScoreThreshold = matchedBinding.TrustScoreThreshold
		trustStaleAfterSeconds = matchedBinding.TrustStaleAfterSeconds
	}

	var categoryLookup *string
	if phase == router.PhaseDelegatedStep {
		if requestedCategory != nil {
			categoryLookup = requestedCategory
		} else if text := strings.TrimSpace(event.Text); text != "" {
			categoryLookup = &text
		}
	}

	trustInput, trustInputSource := buildTrustInput(event, trustScoreSourceKey, trustScoreThreshold, trustStaleAfterSeconds)
	selection := router.SelectRouteWithTrust(table, phase, categoryLookup, trustInput)

	selectedCategory := selection.Category
	if selectedCategory == nil {
		selectedCategory = requestedCategory
	}

	sessionKey := renderSessionKey(sessionKeyTemplate, event, accountID, selection, selectedCategory)

	return Decision{
		BindingID:         bindingID,
		Matched:           matched,
		MatchSpecificity:  specificity,
		Phase:             phase,
		AccountID:         accountID,
		RequestedCategory: requestedCategory,
		SelectedRole:      selection.PrimaryRole,
		FallbackRoles:     selection.FallbackRoles,
		AttemptRoles:      selection.AttemptRoles,
		SelectedCategory:  selectedCategory,
		SessionKey:        sessionKey,
		TrustStatus:       selection.TrustStatus,
		TrustScore:        selection.TrustScore,
		TrustThreshold:    selection.TrustThreshold,
		TrustStale:        selection.TrustStale,
		TrustScoreSource:  selection.TrustScoreSource,
		TrustInputSource:  trustInputSource,
	}
}

func selectBestBinding(file BindingFile, event InboundEvent, accountID string) (Binding, int, bool) {
	var best Binding
	bestScore := -1
	found := false
	for _, b := range file.Bindings {
		score, ok := bindingMatchScore(b, event, accountID)
		if !ok {
			continue
		}
		if score > bestScore {
			best = b
			bestScore = score
			found = true
		}
	}
	return best, bestScore, found
}

func bindingMatchScore(b Binding, event InboundEvent, accountID string) (int, bool) {
	total := 0
	for _, pair := range []struct{ selector, value string }{
		{b.Transport, event.Transport},
		{b.AccountID, accountID},
		{b.ConversationID, strings.TrimSpace(event.ConversationID)},
		{b.ActorID, strings.TrimSpace(event.ActorID)},
	} {
		score, ok := selectorScore(pair.selector, pair.value)
		if !ok {
			return 0, false
		}
		total += score
	}
	return total, true
}

func selectorScore(selector, value string) (int, bool) {
	if selector == wildcardSelector || selector == "" {
		return 0, true
	}
	if selector == value {
		return 1, true
	}
	return 0, false
}

func buildTrustInput(event InboundEvent, preferredSourceKey *string, minimumScore *uint8, staleAfterSeconds *uint64) (*router.TrustInput, *string) {
	roleScores := map[string]uint8{}
	var globalScore *uint8
	var source *string

	if preferredSourceKey != nil && strings.TrimSpace(*preferredSourceKey) != "" {
		key := strings.TrimSpace(*preferredSourceKey)
		if raw, ok := event.Metadata[key]; ok {
			source = &key
			if s, ok := parseTrustScoreU8(raw); ok {
				globalScore = &s
			} else if parsed, ok := parseTrustScoreMap(raw); ok {
				roleScores = parsed
			}
		}
	}

	if len(roleScores) == 0 {
		if raw, ok := event.Metadata[trustScoresKey]; ok {
			if parsed, ok := parseTrustScoreMap(raw); ok && len(parsed) > 0 {
				if source == nil {
					key := trustScoresKey
					source = &key
				}
				roleScores = parsed
			}
		}
	}
	if globalScore == nil {
		if raw, ok := event.Metadata[trustScoreKey]; ok {
			if s, ok := parseTrustScoreU8(raw); ok {
				if source == nil {
					key := trustScoreKey
					source = &key
				}
				globalScore = &s
			}
		}
	}

	var updatedUnixMs *uint64
	if raw, ok := event.Metadata[trustUpdatedKey]; ok {
		var v uint64
		if err := json.Unmarshal(raw, &v); err == nil {
			updatedUnixMs = &v
		}
	}

	if len(roleScores) == 0 && globalScore == nil && minimumScore == nil && staleAfterSeconds == nil && updatedUnixMs == nil {
		return nil, source
	}

	input := &router.TrustInput{
		GlobalScore:       globalScore,
		RoleScores:        roleScores,
		MinimumScore:      minimumScore,
		UpdatedUnixMs:     updatedUnixMs,
		StaleAfterSeconds: staleAfterSeconds,
	}
	if source != nil {
		input.ScoreSourceKeyUsed = *source
	}
	return input, source
}

func parseTrustScoreU8(raw json.RawMessage) (uint8, bool) {
	var v uint64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	if v > 100 {
		return 0, false
	}
	return uint8(v), true
}

func parseTrustScoreMap(raw json.RawMessage) (map[string]uint8, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	scores := make(map[string]uint8, len(obj))
	for role, v := range obj {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		if score, ok := parseTrustScoreU8(v); ok {
			scores[role] = score
		}
	}
	return scores, true
}

func renderSessionKey(template string, event InboundEvent, accountID string, selection router.Selection, category *string) string {
	if template == "" {
		return defaultSessionKey(event)
	}
	categoryValue := ""
	if category != nil {
		categoryValue = *category
	}
	rendered := template
	replacements := []struct{ key, value string }{
		{"transport", event.Transport},
		{"account_id", accountID},
		{"conversation_id", strings.TrimSpace(event.ConversationID)},
		{"actor_id", strings.TrimSpace(event.ActorID)},
		{"role", selection.PrimaryRole},
		{"phase", selection.Phase.String()},
		{"category", categoryValue},
	}
	for _, r := range replacements {
		rendered = strings.ReplaceAll(rendered, "{"+r.key+"}", sanitizeSessionSegment(r.value))
	}
	normalized := sanitizeSessionSegment(rendered)
	if normalized == "" {
		return defaultSessionKey(event)
	}
	return normalized
}

func defaultSessionKey(event InboundEvent) string {
	normalized := sanitizeSessionSegment(strings.TrimSpace(event.ConversationID))
	if normalized == "" {
		return "default"
	}
	return normalized
}

// sanitizeSessionSegment keeps [A-Za-z0-9._:-], collapses everything else
// to '_', and trims leading/trailing underscores.
func sanitizeSessionSegment(raw string) string {
	var b strings.Builder
	for _, ch := range strings.TrimSpace(raw) {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9',
			ch == '-', ch == '_', ch == ':', ch == '.':
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// TracePayload renders the decision as a multi_channel_route_trace_v1
// record for a Channel Store log entry.
func TracePayload(event InboundEvent, eventKey string, decision Decision, nowUnixMs int64) map[string]any {
	return map[string]any{
		"record_type":        "multi_channel_route_trace_v1",
		"timestamp_unix_ms":  nowUnixMs,
		"event_key":          eventKey,
		"transport":          event.Transport,
		"conversation_id":    strings.TrimSpace(event.ConversationID),
		"actor_id":           strings.TrimSpace(event.ActorID),
		"binding_id":         decision.BindingID,
		"binding_matched":    decision.Matched,
		"match_specificity":  decision.MatchSpecificity,
		"phase":              decision.Phase.String(),
		"account_id":         decision.AccountID,
		"requested_category": decision.RequestedCategory,
		"selected_category":  decision.SelectedCategory,
		"selected_role":      decision.SelectedRole,
		"fallback_roles":     decision.FallbackRoles,
		"attempt_roles":      decision.AttemptRoles,
		"session_key":        decision.SessionKey,
		"trust_status":       decision.TrustStatus,
		"trust_score":        decision.TrustScore,
		"trust_threshold":    decision.TrustThreshold,
		"trust_stale":        decision.TrustStale,
		"trust_score_source": decision.TrustScoreSource,
		"trust_input_source": decision.TrustInputSource,
	}
}

package router

import (
	"encoding/json"
	"fmt"
	"strings"
)

const contractSchemaVersion = 1

const (
	ErrorInvalidRouteTable = "multi_agent_invalid_route_table"
	ErrorEmptyStepText     = "multi_agent_empty_step_text"
	ErrorRoleUnavailable   = "multi_agent_role_unavailable"
)

// OutcomeKind is the expected result of replaying a contract case.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeMalformedInput   OutcomeKind = "malformed_input"
	OutcomeRetryableFailure OutcomeKind = "retryable_failure"
)

// Expectation is the assertion a contract case makes about replaying its
// route table.
type Expectation struct {
	Outcome        OutcomeKind `json:"outcome"`
	ErrorCode      string      `json:"error_code,omitempty"`
	SelectedRole   string      `json:"selected_role,omitempty"`
	AttemptedRoles []string    `json:"attempted_roles,omitempty"`
	Category       string      `json:"category,omitempty"`
}

// Case is one fixture case: a route table plus the phase/step to route and
// the outcome that replaying it must produce.
type Case struct {
	SchemaVersion             int             `json:"schema_version"`
	CaseID                    string          `json:"case_id"`
	Phase                     Phase           `json:"phase"`
	RouteTable                json.RawMessage `json:"route_table"`
	StepText                  string          `json:"step_text,omitempty"`
	SimulateRetryableFailure  bool            `json:"simulate_retryable_failure,omitempty"`
	Expected                  Expectation     `json:"expected"`
}

// Fixture is a named collection of contract cases.
type Fixture struct {
	SchemaVersion int    `json:"schema_version"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Cases         []Case `json:"cases"`
}

// Capabilities declares what this implementation of the contract supports,
// so a fixture written against a newer/older driver fails loudly instead
// of silently mismatching.
type Capabilities struct {
	SchemaVersion        int
	SupportedPhases      []string
	SupportedOutcomes    []string
	SupportedErrorCodes  []string
}

func supportedErrorCodes() []string {
	return []string{ErrorInvalidRouteTable, ErrorEmptyStepText, ErrorRoleUnavailable}
}

// ContractCapabilities reports what this driver supports.
func ContractCapabilities() Capabilities {
	return Capabilities{
		SchemaVersion:       contractSchemaVersion,
		SupportedPhases:     []string{PhasePlanner.String(), PhaseDelegatedStep.String(), PhaseReview.String()},
		SupportedOutcomes:   []string{string(OutcomeSuccess), string(OutcomeMalformedInput), string(OutcomeRetryableFailure)},
		SupportedErrorCodes: supportedErrorCodes(),
	}
}

// ParseContractFixture parses and validates a fixture from raw JSON.
func ParseContractFixture(raw []byte) (Fixture, error) {
	var fixture Fixture
	if err := json.Unmarshal(raw, &fixture); err != nil {
		return Fixture{}, fmt.Errorf("failed to parse multi-agent contract fixture: %w", err)
	}
	if err := ValidateContractFixture(fixture); err != nil {
		return Fixture{}, err
	}
	return fixture, nil
}

// ValidateContractFixture checks schema version, per-case shape, and
// cross-case invariants (unique case_id) before checking each case's
// expectation is internally consistent and compatible with this driver.
func ValidateContractFixture(fixture Fixture) error {
	if fixture.SchemaVersion != contractSchemaVersion {
		return fmt.Errorf("unsupported multi-agent contract schema version %d (expected %d)", fixture.SchemaVersion, contractSchemaVersion)
	}
	if strings.TrimSpace(fixture.Name) == "" {
		return fmt.Errorf("fixture name cannot be empty")
	}
	if len(fixture.Cases) == 0 {
		return fmt.Errorf("fixture must include at least one case")
	}

	seen := make(map[string]bool, len(fixture.Cases))
	for i, c := range fixture.Cases {
		if err := validateCase(c, i); err != nil {
			return err
		}
		id := strings.TrimSpace(c.CaseID)
		if seen[id] {
			return fmt.Errorf("fixture contains duplicate case_id '%s'", id)
		}
		seen[id] = true
	}
	return validateContractCompatibility(fixture)
}

func validateContractCompatibility(fixture Fixture) error {
	caps := ContractCapabilities()
	for _, c := range fixture.Cases {
		if !containsStr(caps.SupportedPhases, c.Phase.String()) {
			return fmt.Errorf("fixture case '%s' uses unsupported phase '%s'", c.CaseID, c.Phase)
		}
		if !containsStr(caps.SupportedOutcomes, string(c.Expected.Outcome)) {
			return fmt.Errorf("fixture case '%s' uses unsupported outcome '%s'", c.CaseID, c.Expected.Outcome)
		}
		if code := strings.TrimSpace(c.Expected.ErrorCode); code != "" && !containsStr(caps.SupportedErrorCodes, code) {
			return fmt.Errorf("fixture case '%s' uses unsupported error_code '%s'", c.CaseID, code)
		}
	}
	return nil
}

func validateCase(c Case, index int) error {
	if c.SchemaVersion != contractSchemaVersion {
		return fmt.Errorf("fixture case index %d has unsupported schema_version %d (expected %d)", index, c.SchemaVersion, contractSchemaVersion)
	}
	if strings.TrimSpace(c.CaseID) == "" {
		return fmt.Errorf("fixture case index %d has empty case_id", index)
	}
	var probe map[string]any
	if err := json.Unmarshal(c.RouteTable, &probe); err != nil {
		return fmt.Errorf("fixture case '%s' route_table must be a JSON object", c.CaseID)
	}
	if c.SimulateRetryableFailure && c.Expected.Outcome != OutcomeRetryableFailure {
		return fmt.Errorf("fixture case '%s' sets simulate_retryable_failure=true but expected outcome is %s", c.CaseID, c.Expected.Outcome)
	}
	if c.Expected.Outcome == OutcomeRetryableFailure && !c.SimulateRetryableFailure {
		return fmt.Errorf("fixture case '%s' expects retryable_failure but simulate_retryable_failure=false", c.CaseID)
	}
	if c.Phase == PhaseDelegatedStep && c.Expected.Outcome == OutcomeSuccess && strings.TrimSpace(c.StepText) == "" {
		return fmt.Errorf("fixture case '%s' delegated_step success requires non-empty step_text", c.CaseID)
	}
	if err := validateExpectation(c); err != nil {
		return err
	}
	return validateCaseRouteTableContract(c)
}

func validateExpectation(c Case) error {
	errorCode := strings.TrimSpace(c.Expected.ErrorCode)
	switch c.Expected.Outcome {
	case OutcomeSuccess:
		if errorCode != "" {
			return fmt.Errorf("fixture case '%s' success outcome must not include error_code", c.CaseID)
		}
		if strings.TrimSpace(c.Expected.SelectedRole) == "" {
			return fmt.Errorf("fixture case '%s' success outcome requires expected.selected_role", c.CaseID)
		}
		if len(c.Expected.AttemptedRoles) == 0 {
			return fmt.Errorf("fixture case '%s' success outcome requires expected.attempted_roles", c.CaseID)
		}
		seenRoles := make(map[string]bool, len(c.Expected.AttemptedRoles))
		for _, role := range c.Expected.AttemptedRoles {
			trimmed := strings.TrimSpace(role)
			if trimmed == "" {
				return fmt.Errorf("fixture case '%s' success outcome includes empty attempted role", c.CaseID)
			}
			if seenRoles[trimmed] {
				return fmt.Errorf("fixture case '%s' success outcome includes duplicate attempted role '%s'", c.CaseID, trimmed)
			}
			seenRoles[trimmed] = true
		}
		if strings.TrimSpace(c.Expected.SelectedRole) != strings.TrimSpace(c.Expected.AttemptedRoles[0]) {
			return fmt.Errorf("fixture case '%s' selected_role must match first attempted_roles entry", c.CaseID)
		}
	case OutcomeMalformedInput, OutcomeRetryableFailure:
		if errorCode == "" {
			return fmt.Errorf("fixture case '%s' %s outcome requires error_code", c.CaseID, c.Expected.Outcome)
		}
		if !containsStr(supportedErrorCodes(), errorCode) {
			return fmt.Errorf("fixture case '%s' uses unsupported error_code '%s'", c.CaseID, errorCode)
		}
		if strings.TrimSpace(c.Expected.SelectedRole) != "" {
			return fmt.Errorf("fixture case '%s' non-success outcome must not include selected_role", c.CaseID)
		}
		if len(c.Expected.AttemptedRoles) != 0 {
			return fmt.Errorf("fixture case '%s' non-success outcome must not include attempted_roles", c.CaseID)
		}
		if strings.TrimSpace(c.Expected.Category) != "" {
			return fmt.Errorf("fixture case '%s' non-success outcome must not include category", c.CaseID)
		}
	}
	return nil
}

func validateCaseRouteTableContract(c Case) error {
	table, err := parseRouteTable(c.RouteTable)
	switch c.Expected.Outcome {
	case OutcomeMalformedInput:
		if err == nil && c.Phase == PhaseDelegatedStep && strings.TrimSpace(c.StepText) == "" &&
			strings.TrimSpace(c.Expected.ErrorCode) != ErrorEmptyStepText {
			return fmt.Errorf("fixture case '%s' delegated malformed_input with empty step_text must use error_code '%s'", c.CaseID, ErrorEmptyStepText)
		}
		return nil
	case OutcomeSuccess, OutcomeRetryableFailure:
		if err != nil {
			return fmt.Errorf("fixture case '%s' requires a valid route_table for %s outcome: %w", c.CaseID, c.Expected.Outcome, err)
		}
		if c.Expected.Outcome != OutcomeSuccess {
			return nil
		}
		var category *string
		if c.Phase == PhaseDelegatedStep {
			step := c.StepText
			category = &step
		}
		selection := SelectRoute(table, c.Phase, category)
		if selection.PrimaryRole != c.Expected.SelectedRole {
			return fmt.Errorf("fixture case '%s' expected.selected_role '%s' does not match selected role '%s'", c.CaseID, c.Expected.SelectedRole, selection.PrimaryRole)
		}
		if !equalStrSlices(selection.AttemptRoles, c.Expected.AttemptedRoles) {
			return fmt.Errorf("fixture case '%s' expected.attempted_roles %v do not match %v", c.CaseID, c.Expected.AttemptedRoles, selection.AttemptRoles)
		}
		observedCategory := ""
		if selection.Category != nil {
			observedCategory = *selection.Category
		}
		if strings.TrimSpace(c.Expected.Category) != observedCategory {
			return fmt.Errorf("fixture case '%s' expected.category '%s' does not match '%s'", c.CaseID, c.Expected.Category, observedCategory)
		}
	}
	return nil
}

// ReplayStep is the observed outcome of replaying one case.
type ReplayStep string

const (
	ReplaySuccess          ReplayStep = "success"
	ReplayMalformedInput   ReplayStep = "malformed_input"
	ReplayRetryableFailure ReplayStep = "retryable_failure"
)

// ReplayResult is what evaluating a contract case actually produced.
type ReplayResult struct {
	Step           ReplayStep
	ErrorCode      string
	SelectedRole   string
	AttemptedRoles []string
	Category       string
}

// EvaluateCase replays a single contract case against the live router,
// independent of fixture validation — this is what a replay driver runs.
func EvaluateCase(c Case) ReplayResult {
	table, err := parseRouteTable(c.RouteTable)
	if err != nil {
		return ReplayResult{Step: ReplayMalformedInput, ErrorCode: ErrorInvalidRouteTable}
	}
	if c.SimulateRetryableFailure {
		return ReplayResult{Step: ReplayRetryableFailure, ErrorCode: ErrorRoleUnavailable}
	}
	if c.Phase == PhaseDelegatedStep && strings.TrimSpace(c.StepText) == "" {
		return ReplayResult{Step: ReplayMalformedInput, ErrorCode: ErrorEmptyStepText}
	}
	var category *string
	if c.Phase == PhaseDelegatedStep {
		step := c.StepText
		category = &step
	}
	selection := SelectRoute(table, c.Phase, category)
	result := ReplayResult{
		Step:           ReplaySuccess,
		SelectedRole:   selection.PrimaryRole,
		AttemptedRoles: selection.AttemptRoles,
	}
	if selection.Category != nil {
		result.Category = *selection.Category
	}
	return result
}

// ReplaySummary aggregates EvaluateCase outcomes across a fixture, for a
// CLI or test driver to report.
type ReplaySummary struct {
	DiscoveredCases  int
	SuccessCases     int
	MalformedCases   int
	RetryableFailures int
}

// ReplayFixture runs every case in fixture through EvaluateCase and checks
// the observed outcome against the case's declared expectation.
func ReplayFixture(fixture Fixture) (ReplaySummary, error) {
	summary := ReplaySummary{DiscoveredCases: len(fixture.Cases)}
	for _, c := range fixture.Cases {
		result := EvaluateCase(c)
		switch result.Step {
		case ReplaySuccess:
			summary.SuccessCases++
			if c.Expected.Outcome != OutcomeSuccess {
				return summary, fmt.Errorf("case '%s': expected outcome %s but replay succeeded", c.CaseID, c.Expected.Outcome)
			}
		case ReplayMalformedInput:
			summary.MalformedCases++
			if c.Expected.Outcome != OutcomeMalformedInput {
				return summary, fmt.Errorf("case '%s': expected outcome %s but replay was malformed_input", c.CaseID, c.Expected.Outcome)
			}
		case ReplayRetryableFailure:
			summary.RetryableFailures++
			if c.Expected.Outcome != OutcomeRetryableFailure {
				return summary, fmt.Errorf("case '%s': expected outcome %s but replay was retryable_failure", c.CaseID, c.Expected.Outcome)
			}
		}
		if result.ErrorCode != "" && result.ErrorCode != c.Expected.ErrorCode {
			return summary, fmt.Errorf("case '%s': expected error_code '%s', got '%s'", c.CaseID, c.Expected.ErrorCode, result.ErrorCode)
		}
	}
	return summary, nil
}

func parseRouteTable(raw json.RawMessage) (RouteTable, error) {
	var table RouteTable
	if err := json.Unmarshal(raw, &table); err != nil {
		return RouteTable{}, err
	}
	if table.Roles == nil {
		table.Roles = map[string]RoleProfile{}
	}
	return table, nil
}

func containsStr(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func equalStrSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

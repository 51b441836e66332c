package router

import "testing"

func sampleRouteTableJSON() string {
	return `{"roles":{"primary":{},"fallback":{}},
	"planner":{"role":"primary","fallback_roles":["fallback"]},
	"delegated":{"role":"primary","fallback_roles":["fallback"]},
	"review":{"role":"primary","fallback_roles":["fallback"]}}`
}

func TestReplayFixtureSuccessCaseMatchesExpectation(t *testing.T) {
	fixture := Fixture{
		SchemaVersion: 1,
		Name:          "planner-basic",
		Cases: []Case{
			{
				SchemaVersion: 1,
				CaseID:        "planner-default",
				Phase:         PhasePlanner,
				RouteTable:    []byte(sampleRouteTableJSON()),
				Expected: Expectation{
					Outcome:        OutcomeSuccess,
					SelectedRole:   "primary",
					AttemptedRoles: []string{"primary", "fallback"},
				},
			},
		},
	}
	if err := ValidateContractFixture(fixture); err != nil {
		t.Fatalf("validate: %v", err)
	}
	summary, err := ReplayFixture(fixture)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if summary.SuccessCases != 1 || summary.DiscoveredCases != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestValidateContractFixtureRejectsMismatchedSelectedRole(t *testing.T) {
	fixture := Fixture{
		SchemaVersion: 1,
		Name:          "bad-case",
		Cases: []Case{
			{
				SchemaVersion: 1,
				CaseID:        "bad",
				Phase:         PhasePlanner,
				RouteTable:    []byte(sampleRouteTableJSON()),
				Expected: Expectation{
					Outcome:        OutcomeSuccess,
					SelectedRole:   "fallback",
					AttemptedRoles: []string{"fallback", "primary"},
				},
			},
		},
	}
	if err := ValidateContractFixture(fixture); err == nil {
		t.Fatalf("expected validation error for mismatched selected_role")
	}
}

func TestEvaluateCaseMalformedRouteTable(t *testing.T) {
	c := Case{
		SchemaVersion: 1,
		CaseID:        "malformed",
		Phase:         PhasePlanner,
		RouteTable:    []byte(`not-json`),
		Expected:      Expectation{Outcome: OutcomeMalformedInput, ErrorCode: ErrorInvalidRouteTable},
	}
	result := EvaluateCase(c)
	if result.Step != ReplayMalformedInput || result.ErrorCode != ErrorInvalidRouteTable {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestEvaluateCaseEmptyStepTextOnDelegated(t *testing.T) {
	c := Case{
		SchemaVersion: 1,
		CaseID:        "empty-step",
		Phase:         PhaseDelegatedStep,
		RouteTable:    []byte(sampleRouteTableJSON()),
		Expected:      Expectation{Outcome: OutcomeMalformedInput, ErrorCode: ErrorEmptyStepText},
	}
	result := EvaluateCase(c)
	if result.Step != ReplayMalformedInput || result.ErrorCode != ErrorEmptyStepText {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestEvaluateCaseSimulatedRetryableFailure(t *testing.T) {
	c := Case{
		SchemaVersion:            1,
		CaseID:                   "retry",
		Phase:                    PhasePlanner,
		RouteTable:               []byte(sampleRouteTableJSON()),
		SimulateRetryableFailure: true,
		Expected:                 Expectation{Outcome: OutcomeRetryableFailure, ErrorCode: ErrorRoleUnavailable},
	}
	result := EvaluateCase(c)
	if result.Step != ReplayRetryableFailure || result.ErrorCode != ErrorRoleUnavailable {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestContractCapabilitiesListsSupportedPhases(t *testing.T) {
	caps := ContractCapabilities()
	if len(caps.SupportedPhases) != 3 {
		t.Fatalf("expected 3 supported phases, got %v", caps.SupportedPhases)
	}
}

package router

import (
	"strings"
	"testing"
)

func TestParseNumberedPlanStepsExtractsDotAndParenPrefixes(t *testing.T) {
	steps := ParseNumberedPlanSteps("1. Inspect current behavior\n2) Design fix\n3. Add tests\nDone")
	want := []string{"Inspect current behavior", "Design fix", "Add tests"}
	if len(steps) != len(want) {
		t.Fatalf("expected %d steps, got %v", len(want), steps)
	}
	for i, s := range want {
		if steps[i] != s {
			t.Fatalf("step %d: expected %q, got %q", i, s, steps[i])
		}
	}
}

func TestParseNumberedPlanStepsIgnoresUnstructuredLines(t *testing.T) {
	steps := ParseNumberedPlanSteps("- inspect\n* patch\nstep three")
	if len(steps) != 0 {
		t.Fatalf("expected no steps, got %v", steps)
	}
}

func TestCountReviewedPlanStepsMatchesTokenOverlap(t *testing.T) {
	planSteps := []string{"Inspect constraints", "Apply change", "Run verification tests"}
	text := "Applied change after inspecting constraints, then verification tests passed."
	if got := CountReviewedPlanSteps(planSteps, text); got != 3 {
		t.Fatalf("expected 3 covered steps, got %d", got)
	}
	if got := CountReviewedPlanSteps(planSteps, "no related content"); got != 0 {
		t.Fatalf("expected 0 covered steps, got %d", got)
	}
}

func TestBuildDelegatedStepPromptContainsStepMetadata(t *testing.T) {
	prompt := buildDelegatedStepPrompt("ship feature",
		[]string{"Inspect constraints", "Apply fix"}, 1, "Apply fix",
		"preset=balanced;max_command_length=4096")
	for _, want := range []string{
		"ORCHESTRATOR_DELEGATED_STEP_PHASE",
		"Assigned step (2 of 2)",
		"2. Apply fix",
		"Inherited execution policy",
		"preset=balanced;max_command_length=4096",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("expected prompt to contain %q, got:\n%s", want, prompt)
		}
	}
}

func TestBuildConsolidationPromptIncludesDelegatedOutputs(t *testing.T) {
	prompt := buildConsolidationPrompt("ship feature",
		[]string{"Inspect constraints", "Apply fix"},
		[]string{"constraints reviewed", "patch applied"})
	for _, want := range []string{"ORCHESTRATOR_CONSOLIDATION_PHASE", "Step 1 output", "Step 2 output", "patch applied"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("expected prompt to contain %q", want)
		}
	}
}

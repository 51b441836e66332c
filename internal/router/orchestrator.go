package router

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const routeTraceSchemaVersion = 1

// RunStatus is the outcome of a single prompt attempt.
type RunStatus int

const (
	RunCompleted RunStatus = iota
	RunCancelled
	RunTimedOut
)

// RenderOptions controls how a runtime streams its output while running a
// prompt; orchestration itself is agnostic to rendering.
type RenderOptions struct {
	StreamOutput   bool
	StreamDelay    time.Duration
}

// Runtime is the minimal surface the orchestrator needs from whatever
// actually drives a model turn (the agent Loop in this codebase).
type Runtime interface {
	RunPromptWithCancellation(ctx context.Context, prompt string, turnTimeout time.Duration, opts RenderOptions) (RunStatus, error)
	LatestAssistantText() (string, bool)
	ReportPromptStatus(status RunStatus)
}

// PlanFirstConfig bounds and configures one plan-first orchestration run.
type PlanFirstConfig struct {
	TurnTimeout                    time.Duration
	RenderOptions                  RenderOptions
	MaxPlanSteps                   int
	MaxDelegatedSteps              int
	MaxExecutorResponseChars       int
	MaxDelegatedStepResponseChars  int
	MaxDelegatedTotalResponseChars int
	DelegateSteps                  bool
	DelegatedPolicyContext         string
	RouteTable                     RouteTable
	RouteTraceLogPath              string
}

type runState int

const (
	runStateCompleted runState = iota
	runStateInterrupted
)

// RunPlanFirstPrompt executes the planner -> (delegated steps) -> review
// protocol against runtime, tracing every route decision and attempt.
func RunPlanFirstPrompt(ctx context.Context, runtime Runtime, userPrompt string, cfg PlanFirstConfig) error {
	plannerRender := RenderOptions{}
	plannerPrompt := buildPlannerPrompt(userPrompt, cfg.MaxPlanSteps)

	plannerState, err := runRoutedPromptWithFallback(ctx, runtime, cfg.RouteTable, PhasePlanner, nil, nil,
		plannerPrompt, "planner produced no text output", cfg.TurnTimeout, plannerRender, cfg.RouteTraceLogPath)
	if err != nil {
		return err
	}
	if plannerState == runStateInterrupted {
		return nil
	}

	planText, ok := runtime.LatestAssistantText()
	if !ok {
		return fmt.Errorf("plan-first orchestrator failed: planner produced no text output")
	}
	planSteps := ParseNumberedPlanSteps(planText)
	if len(planSteps) == 0 {
		return fmt.Errorf("plan-first orchestrator failed: planner response did not include numbered steps")
	}
	if len(planSteps) > cfg.MaxPlanSteps {
		return fmt.Errorf("plan-first orchestrator failed: planner produced %d steps (max allowed %d)", len(planSteps), cfg.MaxPlanSteps)
	}

	var executionPrompt string
	if cfg.DelegateSteps {
		policyContext := strings.TrimSpace(cfg.DelegatedPolicyContext)
		if policyContext == "" {
			return fmt.Errorf("plan-first orchestrator failed: delegated policy inheritance context is unavailable")
		}
		if len(planSteps) > cfg.MaxDelegatedSteps {
			return fmt.Errorf("plan-first orchestrator failed: delegated step budget exceeded (steps %d > max %d)", len(planSteps), cfg.MaxDelegatedSteps)
		}

		delegatedOutputs := make([]string, 0, len(planSteps))
		totalChars := 0
		for index, step := range planSteps {
			delegatedPrompt := buildDelegatedStepPrompt(userPrompt, planSteps, index, step, policyContext)
			stepText := step
			state, err := runRoutedPromptWithFallback(ctx, runtime, cfg.RouteTable, PhaseDelegatedStep, &stepText, intPtr(index+1),
				delegatedPrompt, fmt.Sprintf("delegated step %d produced no text output", index+1), cfg.TurnTimeout, plannerRender, cfg.RouteTraceLogPath)
			if err != nil {
				return err
			}
			if state == runStateInterrupted {
				return nil
			}
			text, ok := runtime.LatestAssistantText()
			if !ok || strings.TrimSpace(text) == "" {
				return fmt.Errorf("plan-first orchestrator failed: delegated step %d produced no text output", index+1)
			}
			chars := len([]rune(text))
			if chars > cfg.MaxDelegatedStepResponseChars {
				return fmt.Errorf("plan-first orchestrator failed: delegated step %d response exceeded budget (chars %d > max %d)", index+1, chars, cfg.MaxDelegatedStepResponseChars)
			}
			totalChars += chars
			if totalChars > cfg.MaxDelegatedTotalResponseChars {
				return fmt.Errorf("plan-first orchestrator failed: delegated responses exceeded cumulative budget (chars %d > max %d)", totalChars, cfg.MaxDelegatedTotalResponseChars)
			}
			delegatedOutputs = append(delegatedOutputs, text)
		}
		executionPrompt = buildConsolidationPrompt(userPrompt, planSteps, delegatedOutputs)
	} else {
		executionPrompt = buildExecutionPrompt(userPrompt, planSteps)
	}

	emptyReason := "executor produced no text output"
	if cfg.DelegateSteps {
		emptyReason = "consolidation produced no text output"
	}
	reviewState, err := runRoutedPromptWithFallback(ctx, runtime, cfg.RouteTable, PhaseReview, nil, nil,
		executionPrompt, emptyReason, cfg.TurnTimeout, cfg.RenderOptions, cfg.RouteTraceLogPath)
	if err != nil {
		return err
	}
	if reviewState == runStateInterrupted {
		return nil
	}

	phaseLabel := "executor"
	if cfg.DelegateSteps {
		phaseLabel = "consolidation"
	}
	text, ok := runtime.LatestAssistantText()
	if !ok || strings.TrimSpace(text) == "" {
		return fmt.Errorf("plan-first orchestrator failed: %s produced no text output", phaseLabel)
	}
	responseChars := len([]rune(text))
	if responseChars > cfg.MaxExecutorResponseChars {
		return fmt.Errorf("plan-first orchestrator failed: %s response exceeded budget (chars %d > max %d)", phaseLabel, responseChars, cfg.MaxExecutorResponseChars)
	}
	return nil
}

func runRoutedPromptWithFallback(
	ctx context.Context,
	runtime Runtime,
	table RouteTable,
	phase Phase,
	stepText *string,
	stepIndex *int,
	basePrompt string,
	emptyOutputReason string,
	turnTimeout time.Duration,
	renderOpts RenderOptions,
	routeTraceLogPath string,
) (runState, error) {
	var category *string
	if stepText != nil {
		category = stepText
	}
	selection := SelectRoute(table, phase, category)

	emitRouteTrace(routeTraceLogPath, phase, selection.Category, stepIndex, "route-selected",
		strPtr(selection.PrimaryRole), nil, strPtr("accept"), nil, strPtr(strings.Join(selection.FallbackRoles, ",")), nil)

	for attemptIndex, role := range selection.AttemptRoles {
		profile := ResolveRoleProfile(table, role)
		attemptPrompt := BuildRolePrompt(table, role, basePrompt)

		attemptTotal := len(selection.AttemptRoles)
		emitRouteTrace(routeTraceLogPath, phase, selection.Category, stepIndex, "attempt-start",
			strPtr(role), attemptPair(attemptIndex+1, attemptTotal), nil, nil, strPtr(fmt.Sprintf("profile=%v", profile)), nil)

		status, err := runtime.RunPromptWithCancellation(ctx, attemptPrompt, turnTimeout, renderOpts)
		if err != nil {
			hasFallback := attemptIndex+1 < attemptTotal
			if hasFallback {
				nextRole := selection.AttemptRoles[attemptIndex+1]
				emitRouteTrace(routeTraceLogPath, phase, selection.Category, stepIndex, "fallback",
					strPtr(role), attemptPair(attemptIndex+1, attemptTotal), strPtr("retry"), strPtr("prompt_execution_error"),
					strPtr(fmt.Sprintf("next_role=%s error=%s", nextRole, err)), nil)
				continue
			}
			emitRouteTrace(routeTraceLogPath, phase, selection.Category, stepIndex, "fallback",
				strPtr(role), attemptPair(attemptIndex+1, attemptTotal), strPtr("reject"), strPtr("prompt_execution_error_exhausted"),
				strPtr(fmt.Sprintf("error=%s", err)), nil)
			return runStateInterrupted, fmt.Errorf("plan-first orchestrator failed: %s route exhausted after role '%s': %w", phase, role, err)
		}
		runtime.ReportPromptStatus(status)
		if status != RunCompleted {
			return runStateInterrupted, nil
		}

		text, ok := runtime.LatestAssistantText()
		if !ok {
			emitRouteTrace(routeTraceLogPath, phase, selection.Category, stepIndex, "attempt-complete",
				strPtr(role), attemptPair(attemptIndex+1, attemptTotal), strPtr("reject"), strPtr("empty_output"), nil, intPtr(0))
			return runStateInterrupted, fmt.Errorf("plan-first orchestrator failed: %s", emptyOutputReason)
		}
		if strings.TrimSpace(text) == "" {
			emitRouteTrace(routeTraceLogPath, phase, selection.Category, stepIndex, "attempt-complete",
				strPtr(role), attemptPair(attemptIndex+1, attemptTotal), strPtr("reject"), strPtr("empty_output"), nil, intPtr(len([]rune(text))))
			return runStateInterrupted, fmt.Errorf("plan-first orchestrator failed: %s", emptyOutputReason)
		}
		emitRouteTrace(routeTraceLogPath, phase, selection.Category, stepIndex, "attempt-complete",
			strPtr(role), attemptPair(attemptIndex+1, attemptTotal), strPtr("accept"), nil, nil, intPtr(len([]rune(text))))
		return runStateCompleted, nil
	}

	return runStateInterrupted, fmt.Errorf("plan-first orchestrator failed: %s route did not yield any attempts", phase)
}

// RouteTrace is one orchestrator_route_trace_v1 record.
type RouteTrace struct {
	RecordType       string  `json:"record_type"`
	SchemaVersion    int     `json:"schema_version"`
	TimestampUnixMs  int64   `json:"timestamp_unix_ms"`
	Mode             string  `json:"mode"`
	Phase            string  `json:"phase"`
	Category         *string `json:"category,omitempty"`
	StepIndex        *int    `json:"step_index,omitempty"`
	Event            string  `json:"event"`
	Role             *string `json:"role,omitempty"`
	AttemptIndex     *int    `json:"attempt_index,omitempty"`
	AttemptTotal     *int    `json:"attempt_total,omitempty"`
	Decision         *string `json:"decision,omitempty"`
	Reason           *string `json:"reason,omitempty"`
	Detail           *string `json:"detail,omitempty"`
	ResponseChars    *int    `json:"response_chars,omitempty"`
}

func emitRouteTrace(
	routeTraceLogPath string,
	phase Phase,
	category *string,
	stepIndex *int,
	event string,
	role *string,
	attempt *[2]int,
	decision, reason, detail *string,
	responseChars *int,
) {
	record := RouteTrace{
		RecordType:      "orchestrator_route_trace_v1",
		SchemaVersion:   routeTraceSchemaVersion,
		TimestampUnixMs: time.Now().UnixMilli(),
		Mode:            "plan-first",
		Phase:           phase.String(),
		Category:        category,
		StepIndex:       stepIndex,
		Event:           event,
		Role:            role,
		Decision:        decision,
		Reason:          reason,
		Detail:          detail,
		ResponseChars:   responseChars,
	}
	if attempt != nil {
		record.AttemptIndex = intPtr(attempt[0])
		record.AttemptTotal = intPtr(attempt[1])
	}

	fmt.Fprintf(os.Stderr, "orchestrator trace: %s\n", formatTraceLine(record))

	if routeTraceLogPath == "" {
		return
	}
	if dir := filepath.Dir(routeTraceLogPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "orchestrator trace logger warning: failed to create %s: %v\n", dir, err)
			return
		}
	}
	line, err := json.Marshal(record)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator trace logger warning: failed to serialize route trace: %v\n", err)
		return
	}
	f, err := os.OpenFile(routeTraceLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator trace logger warning: failed to open %s: %v\n", routeTraceLogPath, err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator trace logger warning: failed to write %s: %v\n", routeTraceLogPath, err)
	}
}

func formatTraceLine(r RouteTrace) string {
	parts := []string{"mode=plan-first", "phase=" + r.Phase, "event=" + r.Event}
	if r.Category != nil {
		parts = append(parts, "category="+flattenWhitespace(*r.Category))
	}
	if r.StepIndex != nil {
		parts = append(parts, fmt.Sprintf("step=%d", *r.StepIndex))
	}
	if r.Role != nil {
		parts = append(parts, "role="+*r.Role)
	}
	if r.AttemptIndex != nil && r.AttemptTotal != nil {
		parts = append(parts, fmt.Sprintf("attempt=%d/%d", *r.AttemptIndex, *r.AttemptTotal))
	}
	if r.Decision != nil {
		parts = append(parts, "decision="+*r.Decision)
	}
	if r.Reason != nil {
		parts = append(parts, "reason="+*r.Reason)
	}
	if r.Detail != nil {
		parts = append(parts, "detail="+flattenWhitespace(*r.Detail))
	}
	if r.ResponseChars != nil {
		parts = append(parts, fmt.Sprintf("response_chars=%d", *r.ResponseChars))
	}
	return strings.Join(parts, " ")
}

// ParseNumberedPlanSteps extracts "1. step" / "1) step" lines from a
// planner response. Deliberately not regex-based: a manual digit-prefix
// scan is cheaper and the grammar is simple enough not to need one.
func ParseNumberedPlanSteps(plan string) []string {
	var steps []string
	for _, line := range strings.Split(plan, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		digits := 0
		for digits < len(trimmed) && trimmed[digits] >= '0' && trimmed[digits] <= '9' {
			digits++
		}
		if digits == 0 {
			continue
		}
		remainder := strings.TrimLeft(trimmed[digits:], " \t")
		var rest string
		switch {
		case strings.HasPrefix(remainder, "."):
			rest = remainder[1:]
		case strings.HasPrefix(remainder, ")"):
			rest = remainder[1:]
		default:
			continue
		}
		step := strings.TrimSpace(rest)
		if step == "" {
			continue
		}
		steps = append(steps, step)
	}
	return steps
}

// CountReviewedPlanSteps counts how many plan steps are token-covered by
// the final review text, for telemetry only.
func CountReviewedPlanSteps(planSteps []string, executionText string) int {
	normalized := strings.ToLower(executionText)
	covered := 0
	for _, step := range planSteps {
		tokens := stepReviewTokens(step)
		if len(tokens) == 0 {
			if strings.Contains(normalized, strings.ToLower(strings.TrimSpace(step))) {
				covered++
			}
			continue
		}
		for _, token := range tokens {
			if strings.Contains(normalized, token) {
				covered++
				break
			}
		}
	}
	return covered
}

func stepReviewTokens(step string) []string {
	var tokens []string
	for _, token := range strings.FieldsFunc(step, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) {
		token = strings.ToLower(strings.TrimSpace(token))
		if len(token) >= 4 {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

func buildPlannerPrompt(userPrompt string, maxPlanSteps int) string {
	return fmt.Sprintf("ORCHESTRATOR_PLANNER_PHASE\nYou are operating in plan-first orchestration mode.\nCreate a numbered implementation plan with at most %d steps.\nUse exactly one line per step in the format '1. <step>'.\nDo not execute anything.\n\nUser request:\n%s", maxPlanSteps, userPrompt)
}

func buildExecutionPrompt(userPrompt string, planSteps []string) string {
	return fmt.Sprintf("ORCHESTRATOR_EXECUTION_PHASE\nExecute the user request using the approved plan.\n\nApproved plan:\n%s\n\nUser request:\n%s\n\nProvide the final response.", renderNumberedPlanSteps(planSteps), userPrompt)
}

func buildDelegatedStepPrompt(userPrompt string, planSteps []string, stepIndex int, step, policyContext string) string {
	return fmt.Sprintf("ORCHESTRATOR_DELEGATED_STEP_PHASE\nYou are executing one delegated plan step in plan-first mode.\nFocus only on the assigned step and produce useful progress for that step.\n\nApproved plan:\n%s\n\nAssigned step (%d of %d):\n%d. %s\n\nUser request:\n%s\n\nInherited execution policy (must be preserved):\n%s\n\nReturn concise output for this delegated step.",
		renderNumberedPlanSteps(planSteps), stepIndex+1, len(planSteps), stepIndex+1, step, userPrompt, policyContext)
}

func buildConsolidationPrompt(userPrompt string, planSteps []string, delegatedOutputs []string) string {
	sections := make([]string, len(delegatedOutputs))
	for i, output := range delegatedOutputs {
		sections[i] = fmt.Sprintf("Step %d output:\n%s", i+1, strings.TrimSpace(output))
	}
	return fmt.Sprintf("ORCHESTRATOR_CONSOLIDATION_PHASE\nSynthesize a final response from delegated step outputs.\n\nApproved plan:\n%s\n\nDelegated outputs:\n%s\n\nUser request:\n%s\n\nProvide the final response.",
		renderNumberedPlanSteps(planSteps), strings.Join(sections, "\n\n"), userPrompt)
}

func renderNumberedPlanSteps(planSteps []string) string {
	lines := make([]string, len(planSteps))
	for i, step := range planSteps {
		lines[i] = fmt.Sprintf("%d. %s", i+1, step)
	}
	return strings.Join(lines, "\n")
}

func flattenWhitespace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
func attemptPair(index, total int) *[2]int {
	return &[2]int{index, total}
}

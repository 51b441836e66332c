package toolpolicy

import (
	"path/filepath"
	"testing"
	"time"
)

func TestCheckPathRejectsEscape(t *testing.T) {
	root := t.TempDir()
	p, err := New(PresetBalanced, []string{root}, true, false, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, toolErr := p.CheckPath(filepath.Join(root, "..", "outside.txt"), false); toolErr == nil {
		t.Fatalf("expected path_escape error")
	}
	if _, toolErr := p.CheckPath(filepath.Join(root, "ok.txt"), false); toolErr != nil {
		t.Fatalf("unexpected error for in-root path: %v", toolErr)
	}
}

func TestCheckPathRejectsProtectedMutation(t *testing.T) {
	root := t.TempDir()
	p, err := New(PresetBalanced, []string{root}, true, false, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	envPath := filepath.Join(root, ".env")
	if _, toolErr := p.CheckPath(envPath, true); toolErr == nil || toolErr.ReasonCode != "protected_path_mutation" {
		t.Fatalf("expected protected_path_mutation, got %v", toolErr)
	}
	if _, toolErr := p.CheckPath(envPath, false); toolErr != nil {
		t.Fatalf("reads of protected paths should be allowed: %v", toolErr)
	}
}

func TestAllowProtectedPathMutationsFlag(t *testing.T) {
	root := t.TempDir()
	p, err := New(PresetBalanced, []string{root}, true, true, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, toolErr := p.CheckPath(filepath.Join(root, ".env"), true); toolErr != nil {
		t.Fatalf("expected mutation allowed when flag set: %v", toolErr)
	}
}

func TestRateLimiterCapsAllowsWithinWindow(t *testing.T) {
	limiter := NewLimiter()
	now := time.Unix(0, 0)
	allowed := 0
	for i := 0; i < 20; i++ {
		decision := limiter.Evaluate("user-1", 5, time.Minute, now)
		if decision.Allowed {
			allowed++
		}
		now = now.Add(time.Second)
	}
	if allowed > 5 {
		t.Fatalf("expected at most 5 allows per window, got %d", allowed)
	}
}

// TestRateLimiterSlidingWindowAcrossRollover checks every 60-second
// interval over a run spanning several windows, not just a cold-start
// sample: a token bucket (burst=max, refill=max/window) can double-admit
// once the bucket refills mid-window, exceeding max inside a single
// sliding interval. A timestamp deque pruned to the window cannot.
func TestRateLimiterSlidingWindowAcrossRollover(t *testing.T) {
	limiter := NewLimiter()
	const max = 5
	const window = time.Minute

	var admits []time.Time
	now := time.Unix(0, 0)
	end := now.Add(3 * window)
	for now.Before(end) {
		decision := limiter.Evaluate("user-1", max, window, now)
		if decision.Allowed {
			admits = append(admits, now)
		}
		now = now.Add(time.Second)
	}

	for i := range admits {
		count := 0
		windowStart := admits[i].Add(-window)
		for _, a := range admits {
			if a.After(windowStart) && !a.After(admits[i]) {
				count++
			}
		}
		if count > max {
			t.Fatalf("sliding window ending at %v admitted %d calls, want <= %d", admits[i], count, max)
		}
	}

	// One second after the last admit has aged out of the window, a new
	// call must be allowed again.
	last := admits[len(admits)-1]
	afterBoundary := last.Add(window + time.Second)
	if d := limiter.Evaluate("user-1", max, window, afterBoundary); !d.Allowed {
		t.Fatalf("expected an allow once the window has fully rolled over, got denied")
	}
}

func TestRateLimiterDisabledWhenZero(t *testing.T) {
	p, err := New(PresetPermissive, []string{t.TempDir()}, true, false, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Now()
	for i := 0; i < 100; i++ {
		decision, toolErr := p.CheckRate("anyone", now)
		if toolErr != nil || !decision.Allowed {
			t.Fatalf("expected disabled rate limiter to always allow")
		}
	}
}

func TestBashAllowlistSuffixWildcard(t *testing.T) {
	if !allowlistMatch("git", []string{"git*"}) {
		t.Fatalf("expected git* to match git")
	}
	if !allowlistMatch("git-lfs", []string{"git*"}) {
		t.Fatalf("expected git* to match git-lfs")
	}
	if allowlistMatch("curl", []string{"git*"}) {
		t.Fatalf("expected curl to be rejected")
	}
}

func TestTokenizeCommandSkipsAssignments(t *testing.T) {
	exe, ok := tokenizeCommand("FOO=bar BAZ=1 ls -la")
	if !ok || exe != "ls" {
		t.Fatalf("expected ls, got %q ok=%v", exe, ok)
	}
}

func TestCheckBashCommandRejectsDisallowedExecutable(t *testing.T) {
	p, err := New(PresetStrict, []string{t.TempDir()}, true, false, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.limits.BashAllowlist = []string{"git*", "ls"}
	if toolErr := p.CheckBashCommand("rm -rf /"); toolErr == nil || toolErr.ReasonCode != "executable_not_allowed" {
		t.Fatalf("expected executable_not_allowed, got %v", toolErr)
	}
	if toolErr := p.CheckBashCommand("git status"); toolErr != nil {
		t.Fatalf("expected git status allowed: %v", toolErr)
	}
}

func TestResolveSandboxDispatchForceWithoutBackendsErrors(t *testing.T) {
	origBwrap, origDocker := bwrapAvailable, dockerAvailable
	defer func() { bwrapAvailable, dockerAvailable = origBwrap, origDocker }()
	bwrapAvailable = func() bool { return false }
	dockerAvailable = func() bool { return false }

	p, err := New(PresetHardened, []string{t.TempDir()}, true, false, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, toolErr := p.ResolveSandboxDispatch(false)
	if toolErr == nil || toolErr.ReasonCode != "sandbox_required_unavailable" {
		t.Fatalf("expected sandbox_required_unavailable, got %v", toolErr)
	}
}

func TestRBACGateDeniesTool(t *testing.T) {
	gate := denyAllGate{}
	p, err := New(PresetBalanced, []string{t.TempDir()}, true, false, gate)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if toolErr := p.Authorize("local:alice", "bash"); toolErr == nil {
		t.Fatalf("expected deny from rbac gate")
	}
}

type denyAllGate struct{}

func (denyAllGate) Authorize(principal, action string) (bool, string) {
	return false, "deny_default"
}

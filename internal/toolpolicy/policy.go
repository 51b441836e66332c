// Package toolpolicy gates every tool execution against preset-driven
// limits, RBAC authorization, rate limits, path containment, and
// optional OS-level sandboxing, per spec.md §4.5.
package toolpolicy

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Preset names a built-in limit profile.
type Preset string

const (
	PresetPermissive Preset = "permissive"
	PresetBalanced   Preset = "balanced"
	PresetStrict     Preset = "strict"
	PresetHardened   Preset = "hardened"
)

// SandboxMode controls how bash commands are isolated.
type SandboxMode string

const (
	SandboxOff   SandboxMode = "off"
	SandboxAuto  SandboxMode = "auto"
	SandboxForce SandboxMode = "force"
)

// SandboxPolicy controls whether a missing sandbox is fatal.
type SandboxPolicy string

const (
	SandboxBestEffort SandboxPolicy = "best_effort"
	SandboxRequired   SandboxPolicy = "required"
)

// RateLimitBehavior controls what happens when the rate limit is hit.
type RateLimitBehavior string

const (
	RateLimitReject RateLimitBehavior = "reject"
	RateLimitDefer  RateLimitBehavior = "defer"
)

// Limits is the full set of knobs a preset fixes.
type Limits struct {
	MaxReadBytes           int64
	MaxWriteBytes          int64
	MaxCommandOutputBytes  int64
	BashTimeout            time.Duration
	MaxCommandLength       int
	AllowNewlines          bool
	BashAllowlist          []string
	SandboxMode            SandboxMode
	SandboxPolicy          SandboxPolicy
	HTTPTimeout            time.Duration
	HTTPMaxResponseBytes   int64
	HTTPMaxRedirects       int
	HTTPAllowPrivateNet    bool
	RateLimitMax           int
	RateLimitWindow        time.Duration
	RateLimitBehavior      RateLimitBehavior
	ReadOnlyRootfs         bool
	TrimmedCapabilities    bool
}

// Presets is the built-in preset table from spec.md §4.5.
var Presets = map[Preset]Limits{
	PresetPermissive: {
		MaxReadBytes: 50 << 20, MaxWriteBytes: 50 << 20, MaxCommandOutputBytes: 5 << 20,
		BashTimeout: 5 * time.Minute, MaxCommandLength: 16_000, AllowNewlines: true,
		SandboxMode: SandboxOff, SandboxPolicy: SandboxBestEffort,
		HTTPTimeout: 60 * time.Second, HTTPMaxResponseBytes: 20 << 20, HTTPMaxRedirects: 10, HTTPAllowPrivateNet: true,
		RateLimitMax: 0, RateLimitWindow: 0, RateLimitBehavior: RateLimitDefer,
	},
	PresetBalanced: {
		MaxReadBytes: 10 << 20, MaxWriteBytes: 10 << 20, MaxCommandOutputBytes: 1 << 20,
		BashTimeout: 2 * time.Minute, MaxCommandLength: 4_000, AllowNewlines: true,
		SandboxMode: SandboxAuto, SandboxPolicy: SandboxBestEffort,
		HTTPTimeout: 30 * time.Second, HTTPMaxResponseBytes: 5 << 20, HTTPMaxRedirects: 5, HTTPAllowPrivateNet: false,
		RateLimitMax: 60, RateLimitWindow: time.Minute, RateLimitBehavior: RateLimitDefer,
	},
	PresetStrict: {
		MaxReadBytes: 2 << 20, MaxWriteBytes: 1 << 20, MaxCommandOutputBytes: 256 << 10,
		BashTimeout: 30 * time.Second, MaxCommandLength: 1_000, AllowNewlines: false,
		SandboxMode: SandboxAuto, SandboxPolicy: SandboxRequired,
		HTTPTimeout: 10 * time.Second, HTTPMaxResponseBytes: 1 << 20, HTTPMaxRedirects: 2, HTTPAllowPrivateNet: false,
		RateLimitMax: 20, RateLimitWindow: time.Minute, RateLimitBehavior: RateLimitReject,
	},
	PresetHardened: {
		MaxReadBytes: 512 << 10, MaxWriteBytes: 256 << 10, MaxCommandOutputBytes: 64 << 10,
		BashTimeout: 10 * time.Second, MaxCommandLength: 400, AllowNewlines: false,
		SandboxMode: SandboxForce, SandboxPolicy: SandboxRequired,
		HTTPTimeout: 5 * time.Second, HTTPMaxResponseBytes: 256 << 10, HTTPMaxRedirects: 0, HTTPAllowPrivateNet: false,
		RateLimitMax: 5, RateLimitWindow: time.Minute, RateLimitBehavior: RateLimitReject,
		ReadOnlyRootfs: true, TrimmedCapabilities: true,
	},
}

// reservedTools are built-in tool names; an extension registering one
// of these is an error.
var reservedTools = map[string]bool{}

func init() {
	for _, name := range []string{
		"read", "write", "edit",
		"memory_write", "memory_read", "memory_delete", "memory_search", "memory_tree",
		"sessions_list", "sessions_history", "sessions_search", "sessions_stats", "sessions_send",
		"branch", "jobs_create", "jobs_list", "jobs_status", "jobs_cancel",
		"undo", "redo", "skip", "http", "bash", "tool_builder",
	} {
		reservedTools[name] = true
	}
}

// IsReservedToolName reports whether name collides with a built-in.
func IsReservedToolName(name string) bool { return reservedTools[name] }

// ToolError is the structured payload surfaced for policy denials.
type ToolError struct {
	Tool       string
	ReasonCode string
	Detail     string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q denied: %s (%s)", e.Tool, e.ReasonCode, e.Detail)
}

// RBACGate authorizes a tool call for a principal. Implemented by
// internal/rbac.
type RBACGate interface {
	Authorize(principal, action string) (allow bool, reasonCode string)
}

// Policy is a constructed engine bound to a preset, a set of allowed
// filesystem roots, and optional RBAC gate.
type Policy struct {
	preset              Preset
	limits              Limits
	allowedRoots        []string
	protectedPaths      []string
	enforceRegularFiles bool
	allowProtectedMut   bool
	rbac                RBACGate
	limiter             *Limiter
}

// New builds a Policy for preset, re-deriving protected paths from the
// allowed roots (see spec.md §9 open question: operators layering in
// extra protected paths beyond the roots' own canonical descendants
// must call AddProtectedPath after construction; this re-derivation
// does not persist custom paths across repeated New calls).
func New(preset Preset, allowedRoots []string, enforceRegularFiles, allowProtectedMutations bool, rbac RBACGate) (*Policy, error) {
	limits, ok := Presets[preset]
	if !ok {
		return nil, fmt.Errorf("unknown tool policy preset %q", preset)
	}
	p := &Policy{
		preset:              preset,
		limits:              limits,
		allowedRoots:        normalizeRoots(allowedRoots),
		enforceRegularFiles: enforceRegularFiles,
		allowProtectedMut:   allowProtectedMutations,
		rbac:                rbac,
		limiter:             NewLimiter(),
	}
	p.protectedPaths = deriveProtectedPaths(p.allowedRoots)
	return p, nil
}

// AddProtectedPath appends an operator-supplied protected path.
func (p *Policy) AddProtectedPath(path string) {
	p.protectedPaths = append(p.protectedPaths, filepath.Clean(path))
}

// Limits returns the preset's fixed limits.
func (p *Policy) Limits() Limits { return p.limits }

func normalizeRoots(roots []string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		out = append(out, filepath.Clean(r))
	}
	return out
}

// deriveProtectedPaths seeds protected paths with each root's own
// dotfiles that commonly hold credentials or runtime state.
func deriveProtectedPaths(roots []string) []string {
	var out []string
	for _, root := range roots {
		for _, name := range []string{".env", ".git", ".ssh"} {
			out = append(out, filepath.Join(root, name))
		}
	}
	return out
}

// CanonicalizePath returns path as an absolute, cleaned path
// (filepath.Abs followed by filepath.Clean). It does not consult the
// filesystem: symlinks are not resolved, and existing and missing
// components are treated alike.
func CanonicalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// isDescendant reports whether path is root or a descendant of root.
func isDescendant(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..")
}

// CheckPath validates a filesystem operation's target path against
// allowed roots and, for mutations, protected paths.
func (p *Policy) CheckPath(rawPath string, mutating bool) (string, *ToolError) {
	canon, err := CanonicalizePath(rawPath)
	if err != nil {
		return "", &ToolError{Tool: "fs", ReasonCode: "path_resolution_failed", Detail: err.Error()}
	}

	allowed := false
	for _, root := range p.allowedRoots {
		if isDescendant(root, canon) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", &ToolError{Tool: "fs", ReasonCode: "path_escape", Detail: canon}
	}

	if mutating && !p.allowProtectedMut {
		for _, protected := range p.protectedPaths {
			if canon == protected || isDescendant(protected, canon) {
				return "", &ToolError{Tool: "fs", ReasonCode: "protected_path_mutation", Detail: canon}
			}
		}
	}

	return canon, nil
}

// Authorize runs the RBAC gate, if configured, for a tool call.
func (p *Policy) Authorize(principal, toolName string) *ToolError {
	if p.rbac == nil {
		return nil
	}
	allow, reason := p.rbac.Authorize(principal, "tool:"+toolName)
	if allow {
		return nil
	}
	return &ToolError{Tool: toolName, ReasonCode: reason, Detail: "rbac deny"}
}

// CheckRate evaluates the preset's rate limit for principal at now.
// A zero Max or zero Window disables the limiter.
func (p *Policy) CheckRate(principal string, now time.Time) (Decision, *ToolError) {
	if p.limits.RateLimitMax == 0 || p.limits.RateLimitWindow == 0 {
		return Decision{Allowed: true}, nil
	}
	decision := p.limiter.Evaluate(principal, p.limits.RateLimitMax, p.limits.RateLimitWindow, now)
	if decision.Allowed {
		return decision, nil
	}
	if p.limits.RateLimitBehavior == RateLimitReject {
		return decision, &ToolError{Tool: "*", ReasonCode: "tool_rate_limited", Detail: fmt.Sprintf("retry after %s", decision.RetryAfter)}
	}
	return decision, nil
}

package toolpolicy

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// tokenizeCommand splits a shell command into fields, skipping leading
// VAR=value assignments, and returns the first non-assignment token as
// the candidate executable.
func tokenizeCommand(command string) (executable string, ok bool) {
	fields := strings.Fields(command)
	for _, f := range fields {
		if isAssignment(f) {
			continue
		}
		return f, true
	}
	return "", false
}

func isAssignment(token string) bool {
	eq := strings.IndexByte(token, '=')
	if eq <= 0 {
		return false
	}
	name := token[:eq]
	for i, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

// allowlistMatch reports whether executable satisfies one of the
// allowlist entries. Suffix-wildcard entries ("git*") match by
// prefix; all others match by exact equality.
func allowlistMatch(executable string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, entry := range allowlist {
		if strings.HasSuffix(entry, "*") {
			if strings.HasPrefix(executable, strings.TrimSuffix(entry, "*")) {
				return true
			}
			continue
		}
		if executable == entry {
			return true
		}
	}
	return false
}

// CheckBashCommand validates a bash command's length, newlines, and
// leading executable against the preset before dispatch.
func (p *Policy) CheckBashCommand(command string) *ToolError {
	if len(command) > p.limits.MaxCommandLength {
		return &ToolError{Tool: "bash", ReasonCode: "command_too_long", Detail: fmt.Sprintf("%d bytes", len(command))}
	}
	if !p.limits.AllowNewlines && strings.ContainsAny(command, "\n\r") {
		return &ToolError{Tool: "bash", ReasonCode: "newlines_not_allowed", Detail: ""}
	}
	executable, ok := tokenizeCommand(command)
	if !ok {
		return &ToolError{Tool: "bash", ReasonCode: "empty_command", Detail: ""}
	}
	if !allowlistMatch(executable, p.limits.BashAllowlist) {
		return &ToolError{Tool: "bash", ReasonCode: "executable_not_allowed", Detail: executable}
	}
	return nil
}

// DockerSandboxSpec configures the docker run invocation used when a
// Force/Auto sandbox resolves to Docker.
type DockerSandboxSpec struct {
	Image        string
	NetworkMode  string
	PidsLimit    int
	MemoryMB     int
	CPUs         float64
	ReadOnly     bool
	AllowedEnv   map[string]string
	TmpfsMount   string
	Workdir      string
}

// bwrapAvailable and dockerAvailable are var-indirected for testing.
var bwrapAvailable = func() bool { _, err := exec.LookPath("bwrap"); return err == nil }
var dockerAvailable = func() bool { _, err := exec.LookPath("docker"); return err == nil }

// ResolveSandboxDispatch decides which sandbox backend (if any) a bash
// call should use, enforcing Force/Auto/Off semantics and the
// Required/BestEffort sandbox policy.
func (p *Policy) ResolveSandboxDispatch(dockerConfigured bool) (backend string, toolErr *ToolError) {
	switch p.limits.SandboxMode {
	case SandboxOff:
		return "none", nil
	case SandboxAuto:
		if bwrapAvailable() {
			return "bwrap", nil
		}
		if dockerConfigured && dockerAvailable() {
			return "docker", nil
		}
		if p.limits.SandboxPolicy == SandboxRequired {
			return "", &ToolError{Tool: "bash", ReasonCode: "sandbox_required_unavailable", Detail: "no bwrap or docker available"}
		}
		return "none", nil
	case SandboxForce:
		if bwrapAvailable() {
			return "bwrap", nil
		}
		if dockerConfigured {
			if dockerAvailable() {
				return "docker", nil
			}
			return "", &ToolError{Tool: "bash", ReasonCode: "sandbox_docker_unavailable", Detail: "docker configured but not found on PATH"}
		}
		return "", &ToolError{Tool: "bash", ReasonCode: "sandbox_required_unavailable", Detail: "force mode requires bwrap or docker"}
	default:
		return "", &ToolError{Tool: "bash", ReasonCode: "sandbox_mode_invalid", Detail: string(p.limits.SandboxMode)}
	}
}

// BuildDockerArgs renders the `docker run` argv for spec.DockerSandboxSpec,
// matching the contract in spec.md §4.5.
func BuildDockerArgs(spec DockerSandboxSpec, limits Limits, cmd string) []string {
	args := []string{"run", "--rm", "--init",
		"--network", spec.NetworkMode,
		"--pids-limit", fmt.Sprintf("%d", spec.PidsLimit),
		"--memory", fmt.Sprintf("%dm", spec.MemoryMB),
		"--cpus", fmt.Sprintf("%g", spec.CPUs),
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
	}
	if spec.TmpfsMount != "" {
		args = append(args, "--tmpfs", spec.TmpfsMount)
	}
	args = append(args, "--volume", spec.Workdir+":"+spec.Workdir+":rw", "--workdir", spec.Workdir)
	if limits.ReadOnlyRootfs {
		args = append(args, "--read-only")
	}
	for k, v := range spec.AllowedEnv {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, spec.Image, "sh", "-lc", cmd)
	return args
}

// RunHost executes command with sh -lc directly (SandboxOff path).
func RunHost(ctx context.Context, command, workdir string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", "-lc", command)
	cmd.Dir = workdir
	return cmd
}

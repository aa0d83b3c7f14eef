package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/agentdock/agentdock/pkg/types"
)

const shellDescription = `Executes a shell command in the workspace.

Usage:
- Optional timeoutMs (clamped between 1s and 10min, default 30s)
- Stdout and stderr are captured separately
- Denied in read-only sandbox or verify-first permission mode`

// sigkillDelay is how long after SIGTERM the process group gets SIGKILL.
const sigkillDelay = 200 * time.Millisecond

// shellTool implements gated shell command execution.
type shellTool struct {
	runner *Runner
	shell  string
}

type shellInput struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

func newShellTool(r *Runner) *shellTool {
	return &shellTool{runner: r, shell: detectShell()}
}

func detectShell() string {
	if runtime.GOOS == "windows" {
		if comspec := os.Getenv("COMSPEC"); comspec != "" {
			return comspec
		}
		return "cmd.exe"
	}
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	if bash, err := exec.LookPath("bash"); err == nil {
		return bash
	}
	return "/bin/sh"
}

func (t *shellTool) Name() string        { return "run_shell_command" }
func (t *shellTool) Description() string { return shellDescription }

func (t *shellTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "The command to execute"
			},
			"timeoutMs": {
				"type": "integer",
				"description": "Optional timeout in milliseconds"
			}
		},
		"required": ["command"]
	}`)
}

func (t *shellTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params shellInput
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(params.Command) == "" {
		return "", fmt.Errorf("command is required")
	}

	policy := t.runner.policy
	if policy.Sandbox == types.SandboxReadOnly {
		return "", fmt.Errorf("Workspace is read-only; commands are not permitted")
	}
	if policy.Mode == types.PermissionVerifyFirst {
		return "", fmt.Errorf("permission mode is verify-first; running %q requires approval", params.Command)
	}
	if !policy.DecideCommand(params.Command) {
		return "", fmt.Errorf("command %q is denied by permission policy", params.Command)
	}

	timeout := clampTimeout(params.TimeoutMs)

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command(t.shell, "/c", params.Command)
	} else {
		cmd = exec.Command(t.shell, "-c", params.Command)
	}
	cmd.Dir = t.runner.root
	cmd.Env = os.Environ()
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		done <- cmd.Wait()
		close(exited)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-done:
	case <-ctx.Done():
		t.killProcess(cmd, exited)
		<-done
		return "", ctx.Err()
	case <-timer.C:
		timedOut = true
		t.killProcess(cmd, exited)
		<-done
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	var sb strings.Builder
	sb.WriteString(stdout.String())
	if stderr.Len() > 0 {
		sb.WriteString("\nstderr:\n")
		sb.WriteString(stderr.String())
	}
	if timedOut {
		sb.WriteString(fmt.Sprintf("\n(Command timed out after %v)", timeout))
	} else if exitCode != 0 {
		sb.WriteString(fmt.Sprintf("\n(exit code %d)", exitCode))
	}
	return sb.String(), nil
}

func clampTimeout(timeoutMs int) time.Duration {
	if timeoutMs <= 0 {
		return DefaultShellTimeout
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout < MinShellTimeout {
		return MinShellTimeout
	}
	if timeout > MaxShellTimeout {
		return MaxShellTimeout
	}
	return timeout
}

// killProcess terminates the command's process group: SIGTERM first, then
// SIGKILL if it has not been reaped within sigkillDelay. Exit is observed
// through the exited channel so this never races the Wait goroutine.
func (t *shellTool) killProcess(cmd *exec.Cmd, exited <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	if runtime.GOOS == "windows" {
		_ = exec.Command("taskkill", "/pid", fmt.Sprint(pid), "/f", "/t").Run()
		return
	}

	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(sigkillDelay):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/permission"
	"github.com/agentdock/agentdock/pkg/types"
)

func newTestRunner(t *testing.T, sandbox types.SandboxMode, mode types.PermissionMode) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	policy := permission.NewPolicy(sandbox, mode, nil)
	return NewRunner(dir, policy), dir
}

func args(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestPathEscapeRejected(t *testing.T) {
	r, dir := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionProceedAlways)

	outside := filepath.Dir(dir) // parent of the workspace root

	tests := []struct {
		name string
		path string
	}{
		{"dotdot relative", "../outside.txt"},
		{"nested dotdot", "sub/../../outside.txt"},
		{"absolute outside", filepath.Join(outside, "outside.txt")},
		{"mixed separators", `..\outside.txt`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Execute(context.Background(), "read_workspace_file",
				args(t, map[string]any{"path": tt.path}))
			assert.Contains(t, out, "escapes workspace root")

			out = r.Execute(context.Background(), "write_workspace_file",
				args(t, map[string]any{"path": tt.path, "content": "x"}))
			assert.Contains(t, out, "escapes workspace root")
		})
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	r, dir := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionProceedAlways)

	out := r.Execute(context.Background(), "write_workspace_file",
		args(t, map[string]any{"path": "notes/todo.txt", "content": "hello"}))
	assert.Contains(t, out, "Wrote 5 bytes")

	data, err := os.ReadFile(filepath.Join(dir, "notes", "todo.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	out = r.Execute(context.Background(), "read_workspace_file",
		args(t, map[string]any{"path": "notes/todo.txt"}))
	assert.Equal(t, "hello", out)
}

func TestOverwriteReportsDiffStats(t *testing.T) {
	r, _ := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionProceedAlways)

	r.Execute(context.Background(), "write_workspace_file",
		args(t, map[string]any{"path": "a.txt", "content": "abc"}))
	out := r.Execute(context.Background(), "write_workspace_file",
		args(t, map[string]any{"path": "a.txt", "content": "abcd"}))
	assert.Contains(t, out, "overwrote existing file")
	assert.Contains(t, out, "+1/-0")
}

func TestReadLineRange(t *testing.T) {
	r, dir := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionProceedAlways)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lines.txt"),
		[]byte("one\ntwo\nthree\nfour"), 0o644))

	out := r.Execute(context.Background(), "read_workspace_file",
		args(t, map[string]any{"path": "lines.txt", "startLine": 2, "endLine": 3}))
	assert.Equal(t, "two\nthree", out)
}

func TestBinaryReadRejected(t *testing.T) {
	r, dir := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionProceedAlways)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"),
		[]byte{0x00, 0x01, 0x02}, 0o644))

	out := r.Execute(context.Background(), "read_workspace_file",
		args(t, map[string]any{"path": "blob.bin"}))
	assert.Contains(t, out, "Tool error:")
	assert.Contains(t, out, "binary")
}

func TestReadOnlySandboxNeverWrites(t *testing.T) {
	// Even with proceed-always requested, a read-only sandbox denies writes
	// and the file never touches disk.
	r, dir := newTestRunner(t, types.SandboxReadOnly, types.PermissionProceedAlways)

	out := r.Execute(context.Background(), "write_workspace_file",
		args(t, map[string]any{"path": "x.txt", "content": "data"}))
	assert.Contains(t, out, "Workspace is read-only")

	_, err := os.Stat(filepath.Join(dir, "x.txt"))
	assert.True(t, os.IsNotExist(err))

	out = r.Execute(context.Background(), "run_shell_command",
		args(t, map[string]any{"command": "echo hi"}))
	assert.Contains(t, out, "read-only")
}

func TestVerifyFirstDeniesSideEffects(t *testing.T) {
	r, _ := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionVerifyFirst)

	out := r.Execute(context.Background(), "write_workspace_file",
		args(t, map[string]any{"path": "x.txt", "content": "data"}))
	assert.Contains(t, out, "requires approval")

	out = r.Execute(context.Background(), "run_shell_command",
		args(t, map[string]any{"command": "echo hi"}))
	assert.Contains(t, out, "requires approval")
}

func TestShellCommand(t *testing.T) {
	r, _ := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionProceedAlways)

	out := r.Execute(context.Background(), "run_shell_command",
		args(t, map[string]any{"command": "echo hello-shell"}))
	assert.Contains(t, out, "hello-shell")
	assert.NotContains(t, out, "exit code")
}

func TestShellCommandNonZeroExit(t *testing.T) {
	r, _ := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionProceedAlways)

	out := r.Execute(context.Background(), "run_shell_command",
		args(t, map[string]any{"command": "exit 3"}))
	assert.Contains(t, out, "(exit code 3)")
}

func TestShellTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("timeout test sleeps for the minimum clamp")
	}
	r, _ := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionProceedAlways)

	// timeoutMs below the minimum clamps up to MinShellTimeout.
	out := r.Execute(context.Background(), "run_shell_command",
		args(t, map[string]any{"command": "sleep 30", "timeoutMs": 10}))
	assert.Contains(t, out, "Command timed out")
}

func TestShellTimeoutKillsTermIgnoringCommand(t *testing.T) {
	if testing.Short() {
		t.Skip("timeout test sleeps for the minimum clamp")
	}
	r, _ := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionProceedAlways)

	// The command traps SIGTERM, so escalation to SIGKILL is the only way
	// out. Execute must still return with the timeout note.
	out := r.Execute(context.Background(), "run_shell_command",
		args(t, map[string]any{"command": "trap '' TERM; while :; do :; done", "timeoutMs": 10}))
	assert.Contains(t, out, "Command timed out")
}

func TestSearchWorkspace(t *testing.T) {
	r, dir := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionProceedAlways)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"),
		[]byte("package main\nfunc FindMe() {}\n"), 0o644))

	out := r.Execute(context.Background(), "search_workspace",
		args(t, map[string]any{"query": "findme"}))
	assert.Contains(t, out, "a.go:2:")

	out = r.Execute(context.Background(), "search_workspace",
		args(t, map[string]any{"query": "findme", "caseSensitive": true}))
	assert.Equal(t, "No matches found.", out)
}

func TestUnknownToolIsError(t *testing.T) {
	r, _ := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionProceedAlways)
	out := r.Execute(context.Background(), "no_such_tool", args(t, map[string]any{}))
	assert.Equal(t, "Tool error: unknown tool: no_such_tool", out)
}

func TestMalformedArgumentsFailClosed(t *testing.T) {
	r, _ := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionProceedAlways)
	out := r.Execute(context.Background(), "read_workspace_file", json.RawMessage(`{"path": 42}`))
	assert.True(t, strings.HasPrefix(out, "Tool error:"), out)
}

func TestOutputCapped(t *testing.T) {
	r, dir := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionProceedAlways)
	big := strings.Repeat("x", MaxToolOutput+500)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"), []byte(big), 0o644))

	out := r.Execute(context.Background(), "read_workspace_file",
		args(t, map[string]any{"path": "big.txt"}))
	assert.True(t, strings.HasSuffix(out, TruncationMarker))
	assert.LessOrEqual(t, len(out), MaxToolOutput+len(TruncationMarker)+1)
}

func TestDefinitionsIncludeExternal(t *testing.T) {
	r, _ := newTestRunner(t, types.SandboxWorkspaceWrite, types.PermissionProceedAlways)
	r.SetExternalProvider(stubExternal{})

	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	assert.Contains(t, names, "list_workspace_tree")
	assert.Contains(t, names, "run_shell_command")
	assert.Contains(t, names, "stub__ping")

	out := r.Execute(context.Background(), "stub__ping", args(t, map[string]any{}))
	assert.Equal(t, "pong", out)
}

type stubExternal struct{}

func (stubExternal) Definitions() []types.ToolDefinition {
	return []types.ToolDefinition{{Name: "stub__ping", Description: "ping", Parameters: json.RawMessage(`{"type":"object"}`)}}
}

func (stubExternal) Owns(name string) bool { return name == "stub__ping" }

func (stubExternal) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if name != "stub__ping" {
		return "", fmt.Errorf("unknown tool")
	}
	return "pong", nil
}

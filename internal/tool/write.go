package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/agentdock/agentdock/internal/permission"
	"github.com/agentdock/agentdock/pkg/types"
)

const writeDescription = `Writes content to a workspace file.

Usage:
- The path parameter is resolved against the workspace root
- Overwrites existing files; parent directories are created
- Denied in read-only sandbox or verify-first permission mode`

// writeTool implements workspace file writing.
type writeTool struct {
	runner *Runner
}

type writeInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func newWriteTool(r *Runner) *writeTool { return &writeTool{runner: r} }

func (t *writeTool) Name() string        { return "write_workspace_file" }
func (t *writeTool) Description() string { return writeDescription }

func (t *writeTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "The file path, relative to the workspace root"
			},
			"content": {
				"type": "string",
				"description": "The full content to write"
			}
		},
		"required": ["path", "content"]
	}`)
}

func (t *writeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params writeInput
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}

	path, err := t.runner.resolvePath(params.Path)
	if err != nil {
		return "", err
	}

	policy := t.runner.policy
	if policy.Sandbox == types.SandboxReadOnly {
		return "", fmt.Errorf("Workspace is read-only; writing %s is not permitted", params.Path)
	}
	if policy.Mode == types.PermissionVerifyFirst {
		return "", fmt.Errorf("permission mode is verify-first; writing %s requires approval", params.Path)
	}
	if !policy.Decide(path, permission.AccessWrite) {
		return "", fmt.Errorf("writing %s is denied by permission policy", params.Path)
	}
	if len(params.Content) > MaxWriteBytes {
		return "", fmt.Errorf("content too large: %d bytes (max %d)", len(params.Content), MaxWriteBytes)
	}

	previous, existed := readExisting(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	if existed {
		inserted, deleted := diffStats(previous, params.Content)
		return fmt.Sprintf("Wrote %d bytes to %s (overwrote existing file: +%d/-%d chars)",
			len(params.Content), params.Path, inserted, deleted), nil
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(params.Content), params.Path), nil
}

func readExisting(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// diffStats summarizes the change against the previous content.
func diffStats(before, after string) (inserted, deleted int) {
	dmp := diffmatchpatch.New()
	for _, d := range dmp.DiffMain(before, after, false) {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			inserted += len(d.Text)
		case diffmatchpatch.DiffDelete:
			deleted += len(d.Text)
		}
	}
	return inserted, deleted
}

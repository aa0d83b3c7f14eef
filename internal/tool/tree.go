package tool

import (
	"context"
	"encoding/json"

	"github.com/agentdock/agentdock/internal/workspace"
)

const treeDescription = `Lists the workspace file tree.

Usage:
- Returns a bounded tree of directories and files under the workspace root
- Dotfiles and build/VCS directories are skipped
- Output is truncated once the entry cap is hit`

// treeTool renders the bounded workspace tree snapshot.
type treeTool struct {
	runner *Runner
}

func newTreeTool(r *Runner) *treeTool { return &treeTool{runner: r} }

func (t *treeTool) Name() string        { return "list_workspace_tree" }
func (t *treeTool) Description() string { return treeDescription }

func (t *treeTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {}
	}`)
}

func (t *treeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return workspace.Tree(t.runner.root), nil
}

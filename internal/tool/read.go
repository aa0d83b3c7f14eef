package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agentdock/agentdock/internal/permission"
)

const readDescription = `Reads a text file from the workspace.

Usage:
- The path parameter is resolved against the workspace root
- Optional startLine/endLine select a 1-based inclusive range
- Binary files are rejected`

// readTool implements workspace file reading.
type readTool struct {
	runner *Runner
}

type readInput struct {
	Path      string `json:"path"`
	StartLine int    `json:"startLine,omitempty"`
	EndLine   int    `json:"endLine,omitempty"`
}

func newReadTool(r *Runner) *readTool { return &readTool{runner: r} }

func (t *readTool) Name() string        { return "read_workspace_file" }
func (t *readTool) Description() string { return readDescription }

func (t *readTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "The file path, relative to the workspace root"
			},
			"startLine": {
				"type": "integer",
				"description": "First line to read (1-based)"
			},
			"endLine": {
				"type": "integer",
				"description": "Last line to read (inclusive)"
			}
		},
		"required": ["path"]
	}`)
}

func (t *readTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params readInput
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}

	path, err := t.runner.resolvePath(params.Path)
	if err != nil {
		return "", err
	}

	if !t.runner.policy.Decide(path, permission.AccessRead) {
		return "", fmt.Errorf("reading %s is denied by permission policy", params.Path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("file not found: %s", params.Path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("path is a directory, not a file: %s", params.Path)
	}
	if info.Size() > MaxReadBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), MaxReadBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return "", fmt.Errorf("file appears to be binary")
	}

	content := string(data)
	if params.StartLine > 0 || params.EndLine > 0 {
		content = sliceLines(content, params.StartLine, params.EndLine)
	}
	return content, nil
}

// sliceLines selects an inclusive 1-based line range.
func sliceLines(content string, start, end int) string {
	lines := strings.Split(content, "\n")
	if start < 1 {
		start = 1
	}
	if end < 1 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) || start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

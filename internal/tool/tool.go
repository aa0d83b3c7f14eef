// Package tool implements the capability set exposed to agent backends:
// workspace tree listing, text search, file read/write and shell execution,
// plus proxied external tool-server tools. Every call is gated by the
// session's permission policy and output-capped.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentdock/agentdock/internal/logging"
	"github.com/agentdock/agentdock/internal/permission"
	"github.com/agentdock/agentdock/pkg/types"
)

const (
	// MaxReadBytes caps the payload of a single file read.
	MaxReadBytes = 256 * 1024
	// MaxWriteBytes caps the payload of a single file write.
	MaxWriteBytes = 1024 * 1024
	// DefaultShellTimeout applies when a call omits timeoutMs.
	DefaultShellTimeout = 30 * time.Second
	// MinShellTimeout and MaxShellTimeout clamp caller-provided timeouts.
	MinShellTimeout = time.Second
	MaxShellTimeout = 10 * time.Minute
	// MaxToolOutput caps any tool result before the truncation marker.
	MaxToolOutput = 30000
	// TruncationMarker is appended to capped output.
	TruncationMarker = "...[truncated]"
)

// Tool is one built-in capability.
type Tool interface {
	// Name returns the wire name of the tool.
	Name() string

	// Description returns the tool description shown to the backend.
	Description() string

	// Parameters returns the JSON Schema for tool arguments.
	Parameters() json.RawMessage

	// Execute runs the tool. Failures are returned as errors; the Runner
	// converts them into "Tool error: ..." result strings.
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ExternalProvider supplies dynamically discovered tools (external
// tool-server proxies) aggregated into the catalog.
type ExternalProvider interface {
	Definitions() []types.ToolDefinition
	Owns(name string) bool
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Runner owns the fixed tool catalog for one workspace.
type Runner struct {
	root     string
	policy   *permission.Policy
	tools    map[string]Tool
	order    []string
	external ExternalProvider
}

// NewRunner creates a runner rooted at the workspace directory.
func NewRunner(root string, policy *permission.Policy) *Runner {
	r := &Runner{
		root:   filepath.Clean(root),
		policy: policy,
		tools:  make(map[string]Tool),
	}
	r.register(newTreeTool(r))
	r.register(newSearchTool(r))
	r.register(newReadTool(r))
	r.register(newWriteTool(r))
	r.register(newShellTool(r))
	return r
}

// SetExternalProvider attaches the aggregated external tool-server catalog.
func (r *Runner) SetExternalProvider(p ExternalProvider) {
	r.external = p
}

func (r *Runner) register(t Tool) {
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
}

// Root returns the workspace root.
func (r *Runner) Root() string { return r.root }

// Definitions returns the full catalog: built-in tools followed by the
// external tool-server tools.
func (r *Runner) Definitions() []types.ToolDefinition {
	defs := make([]types.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, types.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	if r.external != nil {
		defs = append(defs, r.external.Definitions()...)
	}
	return defs
}

// Execute runs a named tool. Failures are data: every error is converted to
// a "Tool error: ..." string that flows back into the model's context.
func (r *Runner) Execute(ctx context.Context, name string, args json.RawMessage) string {
	var out string
	var err error

	switch {
	case r.tools[name] != nil:
		out, err = r.tools[name].Execute(ctx, args)
	case r.external != nil && r.external.Owns(name):
		out, err = r.external.Execute(ctx, name, args)
	default:
		err = fmt.Errorf("unknown tool: %s", name)
	}

	if err != nil {
		logging.Debug().Str("tool", name).Err(err).Msg("tool call failed")
		return "Tool error: " + err.Error()
	}
	return capOutput(out)
}

// resolvePath resolves a tool-supplied path against the workspace root and
// rejects anything that escapes it, for every input form (absolute,
// ..-relative, mixed separators).
func (r *Runner) resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}

	path = strings.ReplaceAll(path, "\\", "/")
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(r.root, resolved)
	}
	resolved = filepath.Clean(resolved)

	if resolved != r.root && !strings.HasPrefix(resolved, r.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace root", path)
	}
	return resolved, nil
}

// capOutput truncates output at MaxToolOutput with a visible marker.
func capOutput(out string) string {
	if len(out) <= MaxToolOutput {
		return out
	}
	return out[:MaxToolOutput] + "\n" + TruncationMarker
}

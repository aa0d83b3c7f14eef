// Package permission decides whether tool side effects are allowed under the
// session's sandbox mode, permission mode, and allow/deny prefix lists.
package permission

import (
	"strings"

	"github.com/agentdock/agentdock/pkg/types"
)

// Access is the kind of filesystem access being decided.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
)

// Policy is a pure decision function over sandbox mode, permission mode and
// prefix lists. Denylist always wins over allowlist. An empty allowlist means
// "allow all except denylist", not "deny all".
type Policy struct {
	Sandbox           types.SandboxMode
	Mode              types.PermissionMode
	AllowedCommands   []string
	AllowedReadPaths  []string
	AllowedWritePaths []string
	DeniedReadPaths   []string
	DeniedWritePaths  []string
}

// NewPolicy builds a normalized policy from config lists.
func NewPolicy(sandbox types.SandboxMode, mode types.PermissionMode, cfg *types.PermissionConfig) *Policy {
	p := &Policy{Sandbox: sandbox, Mode: mode}
	if cfg != nil {
		p.AllowedCommands = cfg.AllowedCommands
		p.AllowedReadPaths = cfg.AllowedReadPaths
		p.AllowedWritePaths = cfg.AllowedWritePaths
		p.DeniedReadPaths = cfg.DeniedReadPaths
		p.DeniedWritePaths = cfg.DeniedWritePaths
	}
	p.Normalize()
	return p
}

// Normalize enforces the sandbox invariant: a read-only sandbox forces
// verify-first regardless of the configured permission mode.
func (p *Policy) Normalize() {
	if p.Sandbox == types.SandboxReadOnly {
		p.Mode = types.PermissionVerifyFirst
	}
}

// Decide returns true when the given path access is allowed.
// Read-only sandbox denies all writes unconditionally.
func (p *Policy) Decide(path string, access Access) bool {
	if access == AccessWrite && p.Sandbox == types.SandboxReadOnly {
		return false
	}

	path = normalizePath(path)

	var deny, allow []string
	if access == AccessWrite {
		deny, allow = p.DeniedWritePaths, p.AllowedWritePaths
	} else {
		deny, allow = p.DeniedReadPaths, p.AllowedReadPaths
	}

	for _, prefix := range deny {
		if strings.HasPrefix(path, normalizePath(prefix)) {
			return false
		}
	}

	if len(allow) == 0 {
		return true
	}
	for _, prefix := range allow {
		if strings.HasPrefix(path, normalizePath(prefix)) {
			return true
		}
	}
	return false
}

// Empty reports whether all five prefix lists are empty.
func (p *Policy) Empty() bool {
	return len(p.AllowedCommands) == 0 &&
		len(p.AllowedReadPaths) == 0 &&
		len(p.AllowedWritePaths) == 0 &&
		len(p.DeniedReadPaths) == 0 &&
		len(p.DeniedWritePaths) == 0
}

// normalizePath unifies separators so prefix matching behaves the same for
// mixed-separator input.
func normalizePath(path string) string {
	return strings.ReplaceAll(path, "\\", "/")
}

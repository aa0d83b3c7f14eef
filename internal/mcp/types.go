// Package mcp manages external tool servers: subprocess-backed Model Context
// Protocol clients whose tools are aggregated into the session tool catalog
// under namespaced ids.
package mcp

// ServerConfig defines one tool server in the registry file.
type ServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled bool              `json:"enabled"`
}

// Status is the connection state of a managed server.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusDisconnected Status = "disconnected"
	StatusDisabled     Status = "disabled"
	StatusFailed       Status = "failed"
)

// ServerStatus is a point-in-time view of one managed server.
type ServerStatus struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

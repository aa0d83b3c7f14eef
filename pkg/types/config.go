package types

// Config is the agentdock configuration, merged from global and project
// config files plus environment overrides.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Default backend and model used when connect options leave them empty.
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`

	// Default modes.
	Sandbox        string `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty" yaml:"permissionMode,omitempty"`

	// Permission prefix lists.
	Permission *PermissionConfig `json:"permission,omitempty" yaml:"permission,omitempty"`

	// Per-backend settings.
	Backends map[string]BackendConfig `json:"backends,omitempty" yaml:"backends,omitempty"`

	// Path to the external tool-server registry file. Defaults to
	// ~/.config/agentdock/toolservers.json.
	ToolServerRegistry string `json:"toolServerRegistry,omitempty" yaml:"toolServerRegistry,omitempty"`

	// Log level: DEBUG, INFO, WARN, ERROR.
	LogLevel string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
}

// PermissionConfig holds the allow/deny prefix lists.
type PermissionConfig struct {
	AllowedCommands   []string `json:"allowedCommands,omitempty" yaml:"allowedCommands,omitempty"`
	AllowedReadPaths  []string `json:"allowedReadPaths,omitempty" yaml:"allowedReadPaths,omitempty"`
	AllowedWritePaths []string `json:"allowedWritePaths,omitempty" yaml:"allowedWritePaths,omitempty"`
	DeniedReadPaths   []string `json:"deniedReadPaths,omitempty" yaml:"deniedReadPaths,omitempty"`
	DeniedWritePaths  []string `json:"deniedWritePaths,omitempty" yaml:"deniedWritePaths,omitempty"`
}

// BackendConfig holds settings for one backend kind.
type BackendConfig struct {
	// Command and args for subprocess-backed backends.
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Endpoint and API key for the HTTP streaming backend.
	BaseURL string `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`
	APIKey  string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`

	// FallbackModel is tried once when the backend reports the requested
	// model as unknown.
	FallbackModel string `json:"fallbackModel,omitempty" yaml:"fallbackModel,omitempty"`
}

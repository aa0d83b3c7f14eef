package types

import "encoding/json"

// ToolDefinition is the JSON-schema-like tool contract exposed to backends.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema object
}

// ToolCall is a structured request from the backend to invoke a capability
// mid-turn. Args are opaque, backend-specific structured data.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Args  json.RawMessage `json:"args"`
	Round int             `json:"round"`
}

// Package types provides the core data types shared across the agentdock session layer.
package types

// BackendKind identifies which provider client variant a session talks to.
type BackendKind string

const (
	// BackendPersistent is a long-lived subprocess speaking newline-delimited JSON.
	BackendPersistent BackendKind = "persistent"
	// BackendJSONRPC is a subprocess speaking JSON-RPC 2.0 over stdio.
	BackendJSONRPC BackendKind = "jsonrpc"
	// BackendHTTPStream is a chat-completion HTTP endpoint with SSE streaming.
	BackendHTTPStream BackendKind = "httpstream"
	// BackendLineBuffered spawns one subprocess per turn and parses JSON lines.
	BackendLineBuffered BackendKind = "linebuffered"
)

// SandboxMode is the capability ceiling for a session, independent of
// permission mode.
type SandboxMode string

const (
	SandboxReadOnly       SandboxMode = "read-only"
	SandboxWorkspaceWrite SandboxMode = "workspace-write"
)

// PermissionMode controls whether guarded actions require approval.
type PermissionMode string

const (
	PermissionVerifyFirst   PermissionMode = "verify-first"
	PermissionProceedAlways PermissionMode = "proceed-always"
)

// InteractionMode selects the conversational stance of the backend.
type InteractionMode string

const (
	InteractionAgent InteractionMode = "agent"
	InteractionPlan  InteractionMode = "plan"
	InteractionDebug InteractionMode = "debug"
	InteractionAsk   InteractionMode = "ask"
)

// MaxHistoryEntries caps the in-memory conversation history per session.
const MaxHistoryEntries = 50

// HistoryEntry is one retained conversation entry. Only the final text of a
// completed turn survives into history.
type HistoryEntry struct {
	Role string `json:"role"` // "user" | "assistant"
	Text string `json:"text"`
}

// SessionInfo describes the identity of a connected session.
type SessionInfo struct {
	ID              string          `json:"id"`
	Backend         BackendKind     `json:"backend"`
	Directory       string          `json:"directory"`
	Model           string          `json:"model"`
	InteractionMode InteractionMode `json:"interactionMode"`
	PermissionMode  PermissionMode  `json:"permissionMode"`
	Sandbox         SandboxMode     `json:"sandbox"`
	Time            SessionTime     `json:"time"`
}

// SessionTime contains timestamps for a session.
type SessionTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}

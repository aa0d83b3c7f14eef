// Package provider implements the four protocol-specific backend clients
// behind one shared interface: a long-lived newline-delimited JSON process,
// a JSON-RPC 2.0 stdio process, an SSE chat-completion HTTP endpoint, and a
// one-process-per-turn line-buffered CLI. Each client normalizes its wire
// protocol into the StreamEvent union and runs the tool-calling loop against
// the session's tool runner.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentdock/agentdock/internal/permission"
	"github.com/agentdock/agentdock/internal/tool"
	"github.com/agentdock/agentdock/pkg/types"
)

const (
	// MaxRounds bounds the tool-calling loop within one turn.
	MaxRounds = 24
	// InactivityWindow fails a turn when no event arrives for this long.
	// Any parsed event resets it, not just deltas.
	InactivityWindow = 120 * time.Second
	// ConnectGrace is how long a spawned backend gets to prove it is alive.
	// A process that has not exited by then is assumed up.
	ConnectGrace = 1500 * time.Millisecond
	// MaxRetries429 bounds rate-limit retries in the HTTP streaming client.
	MaxRetries429 = 5
	// MaxRetryDelay caps any single rate-limit retry delay.
	MaxRetryDelay = 60 * time.Second
)

// ErrTurnTimeout marks a turn failed by the inactivity watchdog.
var ErrTurnTimeout = errors.New("turn timed out waiting for backend activity")

// ErrRateLimited marks a turn failed after exhausting rate-limit retries.
var ErrRateLimited = errors.New("backend rate limit exceeded")

// ProcessCrashError reports an unexpected backend exit mid-turn.
type ProcessCrashError struct {
	ExitCode int
	Signal   string
}

func (e *ProcessCrashError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("backend process killed by signal %s", e.Signal)
	}
	return fmt.Sprintf("backend process exited unexpectedly with code %d", e.ExitCode)
}

// ModelUnavailableError reports a backend rejecting the requested model id.
type ModelUnavailableError struct {
	Model string
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model not available: %s", e.Model)
}

// Emitter receives normalized events in emission order.
type Emitter func(types.StreamEvent)

// ConnectOptions carries everything a client needs to reach its backend.
type ConnectOptions struct {
	Directory       string
	Model           string
	InteractionMode types.InteractionMode
	Backend         types.BackendConfig
	SystemPrompt    string
	Policy          *permission.Policy
	Runner          *tool.Runner
	History         []types.HistoryEntry
}

// Message is one outbound user turn.
type Message struct {
	Text       string
	ImagePaths []string
	// Mode overrides the connect-time interaction mode for this turn when
	// non-empty.
	Mode types.InteractionMode
}

// Client is the shared contract of all four backend variants. Connect emits
// status events and returns a backend session id. SendMessage drives exactly
// one turn and returns the final assistant text. Interrupt is idempotent and
// guarantees the in-flight turn still terminates with assistantCompleted.
type Client interface {
	Connect(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, msg Message) (string, error)
	Interrupt()
	Close() error
}

// New selects the client variant for a backend kind.
func New(kind types.BackendKind, opts ConnectOptions, emit Emitter) (Client, error) {
	switch kind {
	case types.BackendPersistent:
		return newPersistentClient(opts, emit), nil
	case types.BackendJSONRPC:
		return newJSONRPCClient(opts, emit), nil
	case types.BackendHTTPStream:
		return newHTTPStreamClient(opts, emit), nil
	case types.BackendLineBuffered:
		return newLineBufferedClient(opts, emit), nil
	default:
		return nil, fmt.Errorf("unknown backend kind: %s", kind)
	}
}

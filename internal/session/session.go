// Package session is the façade external callers use: one Session wraps one
// provider client, holds the bounded conversation history, and is the unit
// of connect/send/interrupt/close. Events are delivered on a per-session
// channel and fanned out on the shared event bus.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentdock/agentdock/internal/event"
	"github.com/agentdock/agentdock/internal/logging"
	"github.com/agentdock/agentdock/internal/mcp"
	"github.com/agentdock/agentdock/internal/permission"
	"github.com/agentdock/agentdock/internal/provider"
	"github.com/agentdock/agentdock/internal/tool"
	"github.com/agentdock/agentdock/internal/workspace"
	"github.com/agentdock/agentdock/pkg/types"
)

// eventBuffer is the per-session channel capacity. A slow consumer drops
// events from its channel copy; the bus delivery is synchronous and lossless.
const eventBuffer = 256

// Options configures a new session.
type Options struct {
	Directory       string
	Backend         types.BackendKind
	Model           string
	PermissionMode  types.PermissionMode
	Sandbox         types.SandboxMode
	InteractionMode types.InteractionMode
	InitialHistory  []types.HistoryEntry

	// BackendConfig carries the command/endpoint for the chosen backend.
	BackendConfig types.BackendConfig
	SystemPrompt  string
	Permission    *types.PermissionConfig

	// Bus receives every emitted event under topic session.<id>. Optional.
	Bus *event.Bus
	// ToolServers supplies external tool-server proxies. Optional.
	ToolServers *mcp.Manager
}

// SendOptions adjusts a single send.
type SendOptions struct {
	InteractionMode types.InteractionMode
	// GitStatusText, when non-empty, is prepended to the prompt context
	// alongside the workspace tree.
	GitStatusText string
}

// Session holds one conversation against one backend.
type Session struct {
	id        string
	backendID string
	info      types.SessionInfo

	client provider.Client
	policy *permission.Policy
	runner *tool.Runner
	bus    *event.Bus

	mu         sync.Mutex
	events     chan types.StreamEvent
	history    []types.HistoryEntry
	turnActive bool
	closed     bool
}

// Connect builds the policy and tool runner, starts the provider client and
// returns the connected session. The only synchronous failure surfaced here
// is a missing credential or executable.
func Connect(ctx context.Context, opts Options) (*Session, error) {
	if opts.Directory == "" {
		return nil, fmt.Errorf("directory is required")
	}

	policy := permission.NewPolicy(opts.Sandbox, opts.PermissionMode, opts.Permission)
	if err := policy.Export(opts.Directory); err != nil {
		logging.Warn().Err(err).Msg("failed to export permission policy")
	}

	runner := tool.NewRunner(opts.Directory, policy)
	if opts.ToolServers != nil {
		runner.SetExternalProvider(opts.ToolServers)
	}

	s := &Session{
		id:      ulid.Make().String(),
		policy:  policy,
		runner:  runner,
		bus:     opts.Bus,
		events:  make(chan types.StreamEvent, eventBuffer),
		history: append([]types.HistoryEntry(nil), opts.InitialHistory...),
	}

	client, err := provider.New(opts.Backend, provider.ConnectOptions{
		Directory:       opts.Directory,
		Model:           opts.Model,
		InteractionMode: opts.InteractionMode,
		Backend:         opts.BackendConfig,
		SystemPrompt:    opts.SystemPrompt,
		Policy:          policy,
		Runner:          runner,
		History:         s.history,
	}, s.deliver)
	if err != nil {
		return nil, err
	}
	s.client = client

	backendID, err := client.Connect(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	s.backendID = backendID
	s.info = types.SessionInfo{
		ID:              s.id,
		Backend:         opts.Backend,
		Directory:       opts.Directory,
		Model:           opts.Model,
		InteractionMode: opts.InteractionMode,
		PermissionMode:  policy.Mode,
		Sandbox:         opts.Sandbox,
		Time:            types.SessionTime{Created: now},
	}
	return s, nil
}

// ID returns the session id used as the bus topic.
func (s *Session) ID() string { return s.id }

// BackendID returns the identifier the backend assigned to this session.
func (s *Session) BackendID() string { return s.backendID }

// Info returns the session identity snapshot.
func (s *Session) Info() types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Events returns the per-session event channel. Events arrive in emission
// order; the channel is closed on Close.
func (s *Session) Events() <-chan types.StreamEvent { return s.events }

// History returns a copy of the retained conversation history.
func (s *Session) History() []types.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.HistoryEntry(nil), s.history...)
}

// deliver is the provider's emitter: bus first (synchronous, ordered), then
// the session channel.
func (s *Session) deliver(ev types.StreamEvent) {
	if s.bus != nil {
		s.bus.Publish(s.id, ev)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		logging.Warn().Str("session", s.id).Msg("event channel full, dropping event")
	}
}

// Send drives one turn: resolves @path references, prepends the workspace
// tree and optional git status as prompt context, and appends both sides to
// history once the turn completes. Exactly one turn may be active at a time.
func (s *Session) Send(ctx context.Context, text string, imagePaths []string, opts SendOptions) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("session is closed")
	}
	if s.turnActive {
		s.mu.Unlock()
		return "", fmt.Errorf("a turn is already active")
	}
	s.turnActive = true
	directory := s.info.Directory
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.turnActive = false
		s.mu.Unlock()
	}()

	prompt := s.buildPrompt(text, directory, opts.GitStatusText)

	reply, err := s.client.SendMessage(ctx, provider.Message{
		Text:       prompt,
		ImagePaths: imagePaths,
		Mode:       opts.InteractionMode,
	})
	if err != nil {
		return reply, err
	}

	s.appendHistory(text, reply)
	return reply, nil
}

func (s *Session) buildPrompt(text, directory, gitStatus string) string {
	var sb strings.Builder

	sb.WriteString("<workspace_tree>\n")
	sb.WriteString(workspace.Tree(directory))
	sb.WriteString("</workspace_tree>\n\n")

	if gitStatus != "" {
		sb.WriteString("<git_status>\n")
		sb.WriteString(strings.TrimRight(gitStatus, "\n"))
		sb.WriteString("\n</git_status>\n\n")
	}

	for _, block := range workspace.ResolveFileReferences(text, directory) {
		sb.WriteString(block)
		sb.WriteString("\n\n")
	}

	sb.WriteString(text)
	return sb.String()
}

// appendHistory retains a completed turn, oldest entries evicted first.
func (s *Session) appendHistory(userText, assistantText string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history,
		types.HistoryEntry{Role: "user", Text: userText},
		types.HistoryEntry{Role: "assistant", Text: assistantText},
	)
	if len(s.history) > types.MaxHistoryEntries {
		s.history = s.history[len(s.history)-types.MaxHistoryEntries:]
	}

	now := time.Now().UnixMilli()
	s.info.Time.Updated = &now
}

// Interrupt cancels the in-flight turn. Safe to call at any time.
func (s *Session) Interrupt() {
	s.client.Interrupt()
}

// Close releases the backend and closes the event channel.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.client.Close()

	if s.bus != nil {
		s.bus.DropSession(s.id)
	}

	s.mu.Lock()
	close(s.events)
	s.history = nil
	s.mu.Unlock()
	return err
}

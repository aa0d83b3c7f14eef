package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentdock/agentdock/internal/logging"
	"github.com/agentdock/agentdock/pkg/types"
)

// DefaultConnectTimeout bounds the handshake with one tool server.
const DefaultConnectTimeout = 5 * time.Second

// Namespace separates server name from tool name in aggregated tool ids.
const Namespace = "__"

// serverConn is one managed tool server.
type serverConn struct {
	name    string
	config  ServerConfig
	session *sdkmcp.ClientSession
	status  Status
	err     string

	// tools maps the namespaced id back to the server's own tool name.
	tools map[string]string
	defs  []types.ToolDefinition
}

// Manager owns the pool of subprocess-backed tool servers and proxies tool
// invocations to them. It satisfies the tool runner's ExternalProvider
// interface.
type Manager struct {
	mu           sync.RWMutex
	registryPath string
	client       *sdkmcp.Client
	servers      map[string]*serverConn
	stopWatch    func()
}

// NewManager creates a manager backed by the given registry file.
func NewManager(registryPath string) *Manager {
	return &Manager{
		registryPath: registryPath,
		client: sdkmcp.NewClient(&sdkmcp.Implementation{
			Name:    "agentdock",
			Version: "1.0.0",
		}, nil),
		servers: make(map[string]*serverConn),
	}
}

// StartAll loads the registry and connects every enabled server. A server
// that fails to connect is recorded as failed; the rest still come up.
func (m *Manager) StartAll(ctx context.Context) error {
	configs, err := LoadRegistry(m.registryPath)
	if err != nil {
		return err
	}

	for name, cfg := range configs {
		if err := m.start(ctx, name, cfg); err != nil {
			logging.Warn().Str("server", name).Err(err).Msg("tool server failed to start")
		}
	}
	return nil
}

// StartServer connects one server by its registry name.
func (m *Manager) StartServer(ctx context.Context, name string) error {
	configs, err := LoadRegistry(m.registryPath)
	if err != nil {
		return err
	}
	cfg, ok := configs[name]
	if !ok {
		return fmt.Errorf("server not in registry: %s", name)
	}
	return m.start(ctx, name, cfg)
}

func (m *Manager) start(ctx context.Context, name string, cfg ServerConfig) error {
	m.mu.Lock()
	if existing, ok := m.servers[name]; ok && existing.session != nil {
		existing.session.Close()
	}
	conn := &serverConn{name: name, config: cfg, status: StatusConnecting}
	m.servers[name] = conn
	m.mu.Unlock()

	if !cfg.Enabled {
		m.setStatus(name, StatusDisabled, "")
		return nil
	}
	if cfg.Command == "" {
		m.setStatus(name, StatusFailed, "empty command")
		return fmt.Errorf("server %s: empty command", name)
	}

	connectCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	session, err := m.client.Connect(connectCtx, &sdkmcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		m.setStatus(name, StatusFailed, err.Error())
		return fmt.Errorf("connect %s: %w", name, err)
	}

	listed, err := session.ListTools(connectCtx, nil)
	if err != nil {
		session.Close()
		m.setStatus(name, StatusFailed, err.Error())
		return fmt.Errorf("list tools on %s: %w", name, err)
	}

	toolMap := make(map[string]string, len(listed.Tools))
	defs := make([]types.ToolDefinition, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		namespaced := sanitizeName(name) + Namespace + sanitizeName(t.Name)
		toolMap[namespaced] = t.Name

		schema, merr := json.Marshal(t.InputSchema)
		if merr != nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, types.ToolDefinition{
			Name:        namespaced,
			Description: t.Description,
			Parameters:  schema,
		})
	}

	m.mu.Lock()
	conn.session = session
	conn.status = StatusConnected
	conn.err = ""
	conn.tools = toolMap
	conn.defs = defs
	m.mu.Unlock()

	logging.Info().Str("server", name).Int("tools", len(defs)).Msg("tool server connected")
	return nil
}

// StopServer disconnects one server, leaving it in the registry.
func (m *Manager) StopServer(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.servers[name]
	if !ok {
		return fmt.Errorf("server not found: %s", name)
	}
	if conn.session != nil {
		conn.session.Close()
		conn.session = nil
	}
	conn.status = StatusDisconnected
	conn.tools = nil
	conn.defs = nil
	return nil
}

// RestartServer stops and reconnects one server.
func (m *Manager) RestartServer(ctx context.Context, name string) error {
	_ = m.StopServer(name)
	return m.StartServer(ctx, name)
}

// Watch starts the registry file watcher. Changed or added servers are
// restarted; removed servers are stopped.
func (m *Manager) Watch(ctx context.Context) error {
	stop, err := watchRegistry(m.registryPath, func() { m.reload(ctx) })
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.stopWatch = stop
	m.mu.Unlock()
	return nil
}

func (m *Manager) reload(ctx context.Context) {
	configs, err := LoadRegistry(m.registryPath)
	if err != nil {
		logging.Warn().Err(err).Msg("registry reload failed")
		return
	}

	m.mu.RLock()
	var stale []string
	changed := map[string]ServerConfig{}
	for name, conn := range m.servers {
		cfg, ok := configs[name]
		if !ok {
			stale = append(stale, name)
			continue
		}
		if !configEqual(conn.config, cfg) {
			changed[name] = cfg
		}
	}
	for name, cfg := range configs {
		if _, ok := m.servers[name]; !ok {
			changed[name] = cfg
		}
	}
	m.mu.RUnlock()

	for _, name := range stale {
		_ = m.StopServer(name)
		m.mu.Lock()
		delete(m.servers, name)
		m.mu.Unlock()
	}
	for name, cfg := range changed {
		if err := m.start(ctx, name, cfg); err != nil {
			logging.Warn().Str("server", name).Err(err).Msg("tool server restart failed")
		}
	}
}

// Close disconnects everything and stops the watcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
	for _, conn := range m.servers {
		if conn.session != nil {
			conn.session.Close()
		}
	}
	m.servers = make(map[string]*serverConn)
	return nil
}

// Definitions returns the aggregated namespaced catalog of all connected
// servers, ordered by server name for stable output.
func (m *Manager) Definitions() []types.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var defs []types.ToolDefinition
	for _, name := range names {
		conn := m.servers[name]
		if conn.status != StatusConnected {
			continue
		}
		defs = append(defs, conn.defs...)
	}
	return defs
}

// Owns reports whether a namespaced tool id belongs to a managed server.
func (m *Manager) Owns(name string) bool {
	if !strings.Contains(name, Namespace) {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.servers {
		if _, ok := conn.tools[name]; ok {
			return true
		}
	}
	return false
}

// Execute proxies one tool call to its server, converting the server's
// content shapes into the plain-string result contract of built-in tools.
func (m *Manager) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	m.mu.RLock()
	var target *serverConn
	var original string
	for _, conn := range m.servers {
		if orig, ok := conn.tools[name]; ok {
			target = conn
			original = orig
			break
		}
	}
	m.mu.RUnlock()

	if target == nil {
		return "", fmt.Errorf("no tool server owns tool: %s", name)
	}
	if target.status != StatusConnected || target.session == nil {
		return "", fmt.Errorf("tool server not connected: %s", target.name)
	}

	var argsMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	result, err := target.session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      original,
		Arguments: argsMap,
	})
	if err != nil {
		return "", err
	}

	text := textContent(result)
	if result.IsError {
		if text == "" {
			text = "tool execution failed"
		}
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

// Statuses returns a stable snapshot of every managed server.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for _, conn := range m.servers {
		out = append(out, ServerStatus{
			Name:      conn.name,
			Status:    conn.status,
			ToolCount: len(conn.defs),
			Error:     conn.err,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) setStatus(name string, status Status, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.servers[name]; ok {
		conn.status = status
		conn.err = errMsg
	}
}

func textContent(result *sdkmcp.CallToolResult) string {
	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*sdkmcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func configEqual(a, b ServerConfig) bool {
	if a.Command != b.Command || a.Enabled != b.Enabled || len(a.Args) != len(b.Args) || len(a.Env) != len(b.Env) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	for k, v := range a.Env {
		if b.Env[k] != v {
			return false
		}
	}
	return true
}

// sanitizeName maps arbitrary server and tool names into [A-Za-z0-9_].
func sanitizeName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/pkg/types"
)

func newTestManager(t *testing.T, servers map[string]ServerConfig) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolservers.json")
	require.NoError(t, SaveRegistry(path, servers))
	m := NewManager(path)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestDisabledServerNeverSpawned(t *testing.T) {
	m := newTestManager(t, map[string]ServerConfig{
		"clock": {Command: "clock-mcp", Enabled: false},
	})
	require.NoError(t, m.StartAll(context.Background()))

	statuses := m.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, StatusDisabled, statuses[0].Status)
	assert.Empty(t, m.Definitions())
}

func TestEmptyCommandRecordedAsFailed(t *testing.T) {
	m := newTestManager(t, map[string]ServerConfig{
		"broken": {Command: "", Enabled: true},
	})
	// StartAll keeps going past individual failures.
	require.NoError(t, m.StartAll(context.Background()))

	statuses := m.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, StatusFailed, statuses[0].Status)
	assert.Equal(t, "empty command", statuses[0].Error)
}

func TestStartServerUnknownName(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.StartServer(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in registry")
}

func TestStopServerUnknownName(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.StopServer("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestOwnsRequiresNamespaceAndRegistration(t *testing.T) {
	m := newTestManager(t, nil)
	m.servers["clock"] = &serverConn{
		name:   "clock",
		status: StatusConnected,
		tools:  map[string]string{"clock__now": "now"},
	}

	assert.True(t, m.Owns("clock__now"))
	assert.False(t, m.Owns("now"), "un-namespaced ids are never external")
	assert.False(t, m.Owns("clock__elapsed"))
	assert.False(t, m.Owns("other__now"))
}

func TestDefinitionsOrderedAndConnectedOnly(t *testing.T) {
	m := newTestManager(t, nil)
	m.servers["zeta"] = &serverConn{
		name:   "zeta",
		status: StatusConnected,
		defs:   []types.ToolDefinition{{Name: "zeta__z"}},
	}
	m.servers["alpha"] = &serverConn{
		name:   "alpha",
		status: StatusConnected,
		defs:   []types.ToolDefinition{{Name: "alpha__a"}},
	}
	m.servers["down"] = &serverConn{
		name:   "down",
		status: StatusDisconnected,
		defs:   []types.ToolDefinition{{Name: "down__d"}},
	}

	defs := m.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha__a", defs[0].Name)
	assert.Equal(t, "zeta__z", defs[1].Name)
}

func TestExecuteDemux(t *testing.T) {
	m := newTestManager(t, nil)
	m.servers["clock"] = &serverConn{
		name:   "clock",
		status: StatusDisconnected,
		tools:  map[string]string{"clock__now": "now"},
	}

	_, err := m.Execute(context.Background(), "ghost__tool", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tool server owns tool")

	_, err = m.Execute(context.Background(), "clock__now", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"clock", "clock"},
		{"my-server", "my_server"},
		{"web.search v2", "web_search_v2"},
		{"Already_Fine_9", "Already_Fine_9"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, sanitizeName(tt.in))
	}
}

func TestConfigEqual(t *testing.T) {
	base := ServerConfig{
		Command: "clock-mcp",
		Args:    []string{"--utc"},
		Env:     map[string]string{"TZ": "UTC"},
		Enabled: true,
	}

	assert.True(t, configEqual(base, base))

	changed := base
	changed.Args = []string{"--local"}
	assert.False(t, configEqual(base, changed))

	changed = base
	changed.Env = map[string]string{"TZ": "EST"}
	assert.False(t, configEqual(base, changed))

	changed = base
	changed.Enabled = false
	assert.False(t, configEqual(base, changed))
}

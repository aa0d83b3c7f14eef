package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"

	"github.com/agentdock/agentdock/internal/logging"
)

// LoadRegistry reads the tool-server registry file. Comments and trailing
// commas are tolerated. A missing file yields an empty registry.
func LoadRegistry(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ServerConfig{}, nil
		}
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	servers := map[string]ServerConfig{}
	if err := json.Unmarshal(jsonc.ToJSON(data), &servers); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	return servers, nil
}

// SaveRegistry writes the registry file, creating parent directories.
func SaveRegistry(path string, servers map[string]ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	data, err := json.MarshalIndent(servers, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// watchRegistry invokes onChange whenever the registry file is written or
// recreated. The returned stop function releases the watcher.
func watchRegistry(path string, onChange func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors often replace the file via rename.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					logging.Debug().Str("file", path).Str("op", ev.Op.String()).Msg("tool-server registry changed")
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn().Err(err).Msg("registry watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

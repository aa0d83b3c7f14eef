// Package config loads layered agentdock configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/agentdock/agentdock/pkg/types"
)

// Load loads configuration from multiple sources (later sources win):
//  1. Global config (~/.config/agentdock/agentdock.{json,jsonc,yaml})
//  2. Project config (<dir>/agentdock.{json,jsonc,yaml}, <dir>/.agentdock/)
//  3. AGENTDOCK_CONFIG file
//  4. Environment variables
//
// A .env file in the project directory is loaded into the process
// environment first so {env:VAR} interpolation and env overrides see it.
func Load(directory string) (*types.Config, error) {
	config := &types.Config{}

	if directory != "" {
		// Missing .env is fine.
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return
		}
		if loadConfigFile(path, config) == nil {
			loaded[absPath] = true
		}
	}

	globalDir := GetPaths().Config
	for _, name := range configNames {
		loadOnce(filepath.Join(globalDir, name))
	}

	if directory != "" {
		for _, name := range configNames {
			loadOnce(filepath.Join(directory, name))
			loadOnce(filepath.Join(directory, ".agentdock", name))
		}
	}

	if configPath := os.Getenv("AGENTDOCK_CONFIG"); configPath != "" {
		loadOnce(configPath)
	}

	applyEnvOverrides(config)
	return config, nil
}

var configNames = []string{
	"agentdock.json",
	"agentdock.jsonc",
	"agentdock.yaml",
}

// loadConfigFile loads a single config file with {env:VAR} interpolation.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = interpolate(data)

	var fileConfig types.Config
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	} else {
		data = jsonc.ToJSON(data)
		if err := json.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate replaces {env:VAR_NAME} placeholders with environment values.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(varName)))
	})
}

// mergeConfig overlays src onto dst; non-empty src fields win.
func mergeConfig(dst, src *types.Config) {
	if src.Backend != "" {
		dst.Backend = src.Backend
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.Sandbox != "" {
		dst.Sandbox = src.Sandbox
	}
	if src.PermissionMode != "" {
		dst.PermissionMode = src.PermissionMode
	}
	if src.ToolServerRegistry != "" {
		dst.ToolServerRegistry = src.ToolServerRegistry
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.Permission != nil {
		dst.Permission = src.Permission
	}
	if len(src.Backends) > 0 {
		if dst.Backends == nil {
			dst.Backends = make(map[string]types.BackendConfig, len(src.Backends))
		}
		for name, bc := range src.Backends {
			merged := dst.Backends[name]
			if bc.Command != "" {
				merged.Command = bc.Command
			}
			if len(bc.Args) > 0 {
				merged.Args = bc.Args
			}
			if bc.BaseURL != "" {
				merged.BaseURL = bc.BaseURL
			}
			if bc.APIKey != "" {
				merged.APIKey = bc.APIKey
			}
			if bc.FallbackModel != "" {
				merged.FallbackModel = bc.FallbackModel
			}
			dst.Backends[name] = merged
		}
	}
}

// applyEnvOverrides applies AGENTDOCK_* environment variables last.
func applyEnvOverrides(config *types.Config) {
	if v := os.Getenv("AGENTDOCK_BACKEND"); v != "" {
		config.Backend = v
	}
	if v := os.Getenv("AGENTDOCK_MODEL"); v != "" {
		config.Model = v
	}
	if v := os.Getenv("AGENTDOCK_SANDBOX"); v != "" {
		config.Sandbox = v
	}
	if v := os.Getenv("AGENTDOCK_PERMISSION_MODE"); v != "" {
		config.PermissionMode = v
	}
	if v := os.Getenv("AGENTDOCK_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
}

// RegistryPath returns the tool-server registry file path, honoring the
// config override.
func RegistryPath(config *types.Config) string {
	if config != nil && config.ToolServerRegistry != "" {
		return config.ToolServerRegistry
	}
	return filepath.Join(GetPaths().Config, "toolservers.json")
}

package config

import (
	"os"
	"path/filepath"
)

// Paths holds the standard directories used by agentdock.
type Paths struct {
	Config string // configuration directory
	Data   string // data directory (tool-server registry, exported policies)
}

// GetPaths resolves XDG-style directories with sensible fallbacks.
func GetPaths() Paths {
	home, _ := os.UserHomeDir()

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		configDir = filepath.Join(home, ".config")
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		dataDir = filepath.Join(home, ".local", "share")
	}

	return Paths{
		Config: filepath.Join(configDir, "agentdock"),
		Data:   filepath.Join(dataDir, "agentdock"),
	}
}

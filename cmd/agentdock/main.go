// Package main provides the entry point for the agentdock CLI.
package main

import (
	"github.com/agentdock/agentdock/cmd/agentdock/commands"
	"github.com/agentdock/agentdock/internal/logging"
)

func main() {
	if err := commands.Execute(); err != nil {
		logging.Fatal().Err(err).Msg("command failed")
	}
}

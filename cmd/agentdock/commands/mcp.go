package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentdock/agentdock/internal/config"
	"github.com/agentdock/agentdock/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Manage external tool servers",
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured tool servers and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir, err := GetWorkDir("")
		if err != nil {
			return err
		}
		cfg, err := config.Load(workDir)
		if err != nil {
			return err
		}

		manager := mcp.NewManager(config.RegistryPath(cfg))
		defer manager.Close()
		if err := manager.StartAll(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}

		statuses := manager.Statuses()
		if len(statuses) == 0 {
			fmt.Println("No tool servers configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tTOOLS\tERROR")
		for _, s := range statuses {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, s.Status, s.ToolCount, s.Error)
		}
		return w.Flush()
	},
}

func init() {
	mcpCmd.AddCommand(mcpListCmd)
}

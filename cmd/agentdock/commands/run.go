package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentdock/agentdock/internal/config"
	"github.com/agentdock/agentdock/internal/event"
	"github.com/agentdock/agentdock/internal/logging"
	"github.com/agentdock/agentdock/internal/mcp"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/pkg/types"
)

var (
	runBackend    string
	runModel      string
	runSandbox    string
	runPermission string
	runMode       string
	runDir        string
	runImages     []string
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Send one message to an agent backend and stream the reply",
	Long: `Connect a session to the configured backend, send the message, and
stream the normalized events to the terminal.

Examples:
  agentdock run "Fix the bug in main.go"
  agentdock run --backend httpstream --model gpt-4o "Explain this code"
  agentdock run --sandbox read-only "What does this repo do?"`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVarP(&runBackend, "backend", "b", "", "Backend kind (persistent|jsonrpc|httpstream|linebuffered)")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model id")
	runCmd.Flags().StringVar(&runSandbox, "sandbox", "", "Sandbox mode (read-only|workspace-write)")
	runCmd.Flags().StringVar(&runPermission, "permission", "", "Permission mode (verify-first|proceed-always)")
	runCmd.Flags().StringVar(&runMode, "mode", "agent", "Interaction mode (agent|plan|debug|ask)")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Working directory")
	runCmd.Flags().StringArrayVarP(&runImages, "image", "i", nil, "Image file(s) to attach")
}

func runOnce(cmd *cobra.Command, args []string) error {
	message := strings.Join(args, " ")
	if message == "" {
		return fmt.Errorf("message required. Usage: agentdock run \"your message\"")
	}

	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if runBackend == "" {
		runBackend = cfg.Backend
	}
	if runModel == "" {
		runModel = cfg.Model
	}
	if runSandbox == "" {
		runSandbox = cfg.Sandbox
	}
	if runPermission == "" {
		runPermission = cfg.PermissionMode
	}
	if runBackend == "" {
		return fmt.Errorf("no backend configured; pass --backend or set one in agentdock.json")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := mcp.NewManager(config.RegistryPath(cfg))
	if err := manager.StartAll(ctx); err != nil {
		logging.Warn().Err(err).Msg("tool servers unavailable")
	}
	defer manager.Close()

	bus := event.NewBus()
	defer bus.Close()

	sess, err := session.Connect(ctx, session.Options{
		Directory:       workDir,
		Backend:         types.BackendKind(runBackend),
		Model:           runModel,
		PermissionMode:  types.PermissionMode(runPermission),
		Sandbox:         types.SandboxMode(runSandbox),
		InteractionMode: types.InteractionMode(runMode),
		BackendConfig:   cfg.Backends[runBackend],
		Permission:      cfg.Permission,
		Bus:             bus,
		ToolServers:     manager,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	go func() {
		<-ctx.Done()
		sess.Interrupt()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(sess.Events())
	}()

	_, err = sess.Send(ctx, message, runImages, session.SendOptions{
		InteractionMode: types.InteractionMode(runMode),
		GitStatusText:   gitStatus(workDir),
	})
	// Closing the session closes the event channel, letting the printer
	// drain and exit.
	sess.Close()
	<-done
	if err != nil {
		// The stream already carried the status{error}; the exit code is
		// all that is left to signal.
		return err
	}
	return nil
}

func printEvents(events <-chan types.StreamEvent) {
	for ev := range events {
		switch ev.Type {
		case types.EventAssistantDelta:
			fmt.Print(ev.Text)
		case types.EventThinking:
			fmt.Fprintf(os.Stderr, "· %s\n", ev.Text)
		case types.EventStatus:
			if ev.State == types.StatusError {
				fmt.Fprintf(os.Stderr, "error: %s\n", ev.Message)
			}
		case types.EventAssistantCompleted:
			fmt.Println()
		}
	}
}

// gitStatus captures a short git status for prompt context. Missing git or
// a non-repo directory yields an empty string.
func gitStatus(dir string) string {
	out, err := exec.Command("git", "-C", dir, "status", "--porcelain").Output()
	if err != nil {
		return ""
	}
	return string(out)
}

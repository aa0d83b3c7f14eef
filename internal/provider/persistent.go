package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentdock/agentdock/internal/logging"
	"github.com/agentdock/agentdock/pkg/types"
)

// persistentClient drives a long-lived backend process speaking
// newline-delimited JSON in both directions. The stable system prompt is
// written once to a temp file and referenced by path so the backend can cache
// it across turns; per-turn context travels inline with each message.
type persistentClient struct {
	opts ConnectOptions
	emit Emitter

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	events     chan persistentEvent
	quit       chan struct{}
	exited     chan struct{}
	exitState  *ProcessCrashError
	promptpath string
	sessionID  string
	turn       *turnDriver
	fallback   bool
	closed     bool
}

// persistentEvent is one parsed line from the backend.
type persistentEvent struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// persistentMessage is one outbound line to the backend.
type persistentMessage struct {
	Type             string   `json:"type"`
	Text             string   `json:"text,omitempty"`
	Images           []string `json:"images,omitempty"`
	Model            string   `json:"model,omitempty"`
	Mode             string   `json:"mode,omitempty"`
	SystemPromptPath string   `json:"systemPromptPath,omitempty"`
	ID               string   `json:"id,omitempty"`
	Result           string   `json:"result,omitempty"`
}

func newPersistentClient(opts ConnectOptions, emit Emitter) *persistentClient {
	return &persistentClient{opts: opts, emit: emit}
}

func (c *persistentClient) Connect(ctx context.Context) (string, error) {
	c.emit(types.StatusEvent(types.StatusStarting, "starting backend process"))

	if err := c.spawn(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sessionID = ulid.Make().String()
	id := c.sessionID
	c.mu.Unlock()

	c.emit(types.StatusEvent(types.StatusReady, ""))
	return id, nil
}

// spawn starts the backend and waits the connect grace period: a process
// that exits immediately signals a missing or broken backend.
func (c *persistentClient) spawn(ctx context.Context) error {
	c.mu.Lock()
	if c.opts.Backend.Command == "" {
		c.mu.Unlock()
		return fmt.Errorf("no backend command configured")
	}
	if c.opts.SystemPrompt != "" && c.promptpath == "" {
		f, err := os.CreateTemp("", "agentdock-sysprompt-*.md")
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("write system prompt file: %w", err)
		}
		if _, err := f.WriteString(c.opts.SystemPrompt); err != nil {
			f.Close()
			os.Remove(f.Name())
			c.mu.Unlock()
			return fmt.Errorf("write system prompt file: %w", err)
		}
		f.Close()
		c.promptpath = f.Name()
	}
	c.mu.Unlock()

	cmd := exec.Command(c.opts.Backend.Command, c.opts.Backend.Args...)
	cmd.Dir = c.opts.Directory
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn backend %s: %w", c.opts.Backend.Command, err)
	}

	events := make(chan persistentEvent, 256)
	quit := make(chan struct{})
	exited := make(chan struct{})

	go c.readLoop(stdout, events, quit)
	go func() {
		err := cmd.Wait()
		c.recordExit(err)
		close(exited)
	}()

	select {
	case <-exited:
		close(quit)
		return fmt.Errorf("backend %s exited during startup: %s",
			c.opts.Backend.Command, c.crashError().Error())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		close(quit)
		return ctx.Err()
	case <-time.After(ConnectGrace):
	}

	c.mu.Lock()
	if c.quit != nil {
		// Release the previous process's read loop if it is still parked
		// on a full channel.
		close(c.quit)
	}
	c.cmd = cmd
	c.stdin = stdin
	c.events = events
	c.quit = quit
	c.exited = exited
	c.exitState = nil
	c.mu.Unlock()
	return nil
}

// readLoop parses backend output lines. Non-JSON lines are protocol faults:
// logged and skipped, never fatal. The channel is closed on EOF. Delivery
// blocks when the buffer is full so no event is ever lost while the turn
// loop is busy executing a tool; the stdout pipe provides the backpressure.
func (c *persistentClient) readLoop(stdout io.Reader, events chan<- persistentEvent, quit <-chan struct{}) {
	defer close(events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev persistentEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			logging.Debug().Str("line", line).Msg("skipping malformed backend line")
			continue
		}
		select {
		case events <- ev:
		case <-quit:
			return
		}
	}
}

func (c *persistentClient) recordExit(err error) {
	crash := &ProcessCrashError{}
	if exitErr, ok := err.(*exec.ExitError); ok {
		crash.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(interface{ Signaled() bool }); ok && status.Signaled() {
			crash.Signal = "terminated"
		}
	}
	c.mu.Lock()
	c.exitState = crash
	c.cmd = nil
	c.mu.Unlock()
}

// crashError waits briefly for the wait goroutine to reap the exit status,
// since stdout EOF usually races ahead of Wait returning.
func (c *persistentClient) crashError() *ProcessCrashError {
	c.mu.Lock()
	exited := c.exited
	c.mu.Unlock()
	if exited != nil {
		select {
		case <-exited:
		case <-time.After(2 * time.Second):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitState != nil {
		return c.exitState
	}
	return &ProcessCrashError{}
}

func (c *persistentClient) SendMessage(ctx context.Context, msg Message) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("client is closed")
	}
	needsRespawn := c.cmd == nil
	c.mu.Unlock()

	// A backend that crashed on a previous turn is respawned transparently.
	if needsRespawn {
		logging.Info().Msg("respawning backend process")
		if err := c.spawn(ctx); err != nil {
			return "", err
		}
	}

	driver := newTurnDriver(c.emit)
	driver.startWatchdog(InactivityWindow, func() {
		driver.fail(ErrTurnTimeout.Error())
	})

	c.mu.Lock()
	c.turn = driver
	events := c.events
	model := c.opts.Model
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.turn = nil
		c.mu.Unlock()
	}()

	if err := c.writeMessage(msg, model); err != nil {
		driver.fail(err.Error())
		return "", err
	}

	return c.runTurn(ctx, driver, events, msg)
}

func (c *persistentClient) writeMessage(msg Message, model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin == nil {
		return fmt.Errorf("backend not connected")
	}
	mode := c.opts.InteractionMode
	if msg.Mode != "" {
		mode = msg.Mode
	}
	out := persistentMessage{
		Type:             "user_message",
		Text:             msg.Text,
		Images:           msg.ImagePaths,
		Model:            model,
		Mode:             string(mode),
		SystemPromptPath: c.promptpath,
	}
	return c.writeLine(out)
}

func (c *persistentClient) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// runTurn multiplexes backend events until the turn terminates. Tool calls
// are executed through the runner and fed back as tool_result lines.
func (c *persistentClient) runTurn(ctx context.Context, driver *turnDriver, events chan persistentEvent, msg Message) (string, error) {
	var accumulated strings.Builder
	rounds := 0

	for {
		select {
		case <-driver.doneChan():
			return accumulated.String(), nil

		case <-ctx.Done():
			driver.fail("turn canceled")
			return accumulated.String(), ctx.Err()

		case ev, ok := <-events:
			if !ok {
				// Backend exited mid-turn. Fail this turn; the next
				// SendMessage respawns.
				driver.fail(c.crashError().Error())
				return accumulated.String(), c.crashError()
			}
			driver.touch()

			switch ev.Type {
			case "delta":
				accumulated.WriteString(ev.Text)
				driver.event(types.DeltaEvent(ev.Text))

			case "thinking":
				driver.event(types.ThinkingEvent(ev.Text))

			case "usage":
				driver.event(types.UsageEvent(ev.Payload))

			case "plan":
				driver.event(types.PlanEvent(ev.Payload))

			case "tool_call":
				if !driver.firstToolCall(ev.ID) {
					continue
				}
				rounds++
				if rounds > MaxRounds {
					driver.fail(fmt.Sprintf("tool round limit reached (%d)", MaxRounds))
					return accumulated.String(), nil
				}
				driver.event(types.ThinkingEvent(describeToolCall(ev.Name, ev.Args)))
				result := c.opts.Runner.Execute(ctx, ev.Name, ev.Args)
				c.mu.Lock()
				err := c.writeLine(persistentMessage{Type: "tool_result", ID: ev.ID, Result: result})
				c.mu.Unlock()
				if err != nil {
					driver.fail(fmt.Sprintf("send tool result: %v", err))
					return accumulated.String(), nil
				}

			case "completed":
				if ev.Text != "" && accumulated.Len() == 0 {
					accumulated.WriteString(ev.Text)
					driver.event(types.DeltaEvent(ev.Text))
				}
				driver.complete()
				return accumulated.String(), nil

			case "error":
				if retried, err := c.maybeFallback(ev.Message, msg); retried {
					driver.event(types.ThinkingEvent(fmt.Sprintf("retrying with fallback model %s", c.opts.Backend.FallbackModel)))
					continue
				} else if err != nil {
					driver.fail(err.Error())
					return accumulated.String(), nil
				}
				driver.fail(ev.Message)
				return accumulated.String(), nil

			default:
				logging.Debug().Str("type", ev.Type).Msg("ignoring unknown backend event")
			}
		}
	}
}

// maybeFallback retries a model-not-found error against the configured
// fallback model, exactly once per client.
func (c *persistentClient) maybeFallback(message string, msg Message) (bool, error) {
	if !isModelNotFound(message) {
		return false, nil
	}
	c.mu.Lock()
	fallback := c.opts.Backend.FallbackModel
	used := c.fallback
	if fallback != "" && !used {
		c.fallback = true
	}
	c.mu.Unlock()

	if fallback == "" || used {
		return false, &ModelUnavailableError{Model: c.opts.Model}
	}
	if err := c.writeMessage(msg, fallback); err != nil {
		return false, err
	}
	return true, nil
}

func isModelNotFound(message string) bool {
	m := strings.ToLower(message)
	if !strings.Contains(m, "model") {
		return false
	}
	return strings.Contains(m, "not found") ||
		strings.Contains(m, "unknown") ||
		strings.Contains(m, "invalid") ||
		strings.Contains(m, "does not exist")
}

// Interrupt resolves the pending turn with whatever has accumulated and
// best-effort kills the backend; the next send respawns it.
func (c *persistentClient) Interrupt() {
	c.mu.Lock()
	driver := c.turn
	cmd := c.cmd
	c.mu.Unlock()

	if driver != nil {
		driver.complete()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (c *persistentClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	driver := c.turn
	cmd := c.cmd
	quit := c.quit
	promptpath := c.promptpath
	c.cmd = nil
	c.quit = nil
	c.promptpath = ""
	c.mu.Unlock()

	if driver != nil {
		driver.complete()
	}
	if quit != nil {
		close(quit)
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if promptpath != "" {
		_ = os.Remove(promptpath)
	}
	c.emit(types.StatusEvent(types.StatusClosed, ""))
	return nil
}

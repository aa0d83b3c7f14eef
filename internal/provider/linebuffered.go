package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentdock/agentdock/internal/logging"
	"github.com/agentdock/agentdock/pkg/types"
)

// lineBufferedClient spawns one backend subprocess per turn: the full prompt
// goes to stdin, the output is a stream of newline-delimited JSON events
// with interleaved plain-text noise. Noise lines and error classification
// are backend-specific heuristics kept as explicit tables below; they are
// brittle by nature of the external CLI's unstable output and should not be
// generalized.
type lineBufferedClient struct {
	opts ConnectOptions
	emit Emitter

	mu     sync.Mutex
	cmd    *exec.Cmd
	turn   *turnDriver
	closed bool
}

// noiseLinePatterns lists known non-JSON output the backend interleaves
// with its event stream. Matching lines are dropped without failing the
// turn.
var noiseLinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^npm (WARN|notice)`),
	regexp.MustCompile(`^\(node:\d+\)`),
	regexp.MustCompile(`^Downloading `),
	regexp.MustCompile(`^Updating `),
	regexp.MustCompile(`^\s*[\^~-]+\s*$`),
	regexp.MustCompile(`^\x1b\[`),
}

// retryableErrorPatterns marks stderr/exit noise that indicates a transient
// rate limit rather than a real failure.
var retryableErrorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rate limit`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)overloaded`),
	regexp.MustCompile(`\b429\b`),
}

// maxTurnRetries bounds re-running the subprocess on retryable failures.
const maxTurnRetries = 2

type lineEvent struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newLineBufferedClient(opts ConnectOptions, emit Emitter) *lineBufferedClient {
	return &lineBufferedClient{opts: opts, emit: emit}
}

// Connect only validates that the backend executable exists; the process
// itself is spawned per turn.
func (c *lineBufferedClient) Connect(ctx context.Context) (string, error) {
	c.emit(types.StatusEvent(types.StatusStarting, ""))

	if c.opts.Backend.Command == "" {
		return "", fmt.Errorf("no backend command configured")
	}
	if _, err := exec.LookPath(c.opts.Backend.Command); err != nil {
		return "", fmt.Errorf("backend executable not found: %s", c.opts.Backend.Command)
	}

	c.emit(types.StatusEvent(types.StatusReady, ""))
	return ulid.Make().String(), nil
}

func (c *lineBufferedClient) SendMessage(ctx context.Context, msg Message) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("client is closed")
	}
	c.mu.Unlock()

	driver := newTurnDriver(c.emit)
	driver.startWatchdog(InactivityWindow, func() {
		c.killCurrent()
		driver.fail(ErrTurnTimeout.Error())
	})

	c.mu.Lock()
	c.turn = driver
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.turn = nil
		c.mu.Unlock()
	}()

	prompt := c.buildPrompt(msg)

	var accumulated string
	for attempt := 0; ; attempt++ {
		out, retryable, err := c.runOnce(ctx, driver, prompt)
		accumulated = out
		if err == nil {
			driver.complete()
			return accumulated, nil
		}
		if driver.finished() {
			// Interrupt resolved the turn with accumulated text.
			return accumulated, nil
		}
		if !retryable || attempt >= maxTurnRetries {
			driver.fail(err.Error())
			return accumulated, err
		}
		logging.Info().Int("attempt", attempt+1).Err(err).Msg("retrying turn after transient failure")
		select {
		case <-time.After(time.Duration(attempt+1) * 2 * time.Second):
		case <-ctx.Done():
			driver.fail("turn canceled")
			return accumulated, ctx.Err()
		}
	}
}

func (c *lineBufferedClient) buildPrompt(msg Message) string {
	var sb strings.Builder
	for _, entry := range c.opts.History {
		sb.WriteString(entry.Role)
		sb.WriteString(": ")
		sb.WriteString(entry.Text)
		sb.WriteString("\n\n")
	}
	if len(msg.ImagePaths) > 0 {
		sb.WriteString("Attached images: ")
		sb.WriteString(strings.Join(msg.ImagePaths, ", "))
		sb.WriteString("\n\n")
	}
	sb.WriteString(msg.Text)
	return sb.String()
}

// runOnce spawns the subprocess for a single turn attempt. The bool result
// reports whether a failure is retryable.
func (c *lineBufferedClient) runOnce(ctx context.Context, driver *turnDriver, prompt string) (string, bool, error) {
	args := append([]string{}, c.opts.Backend.Args...)
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}

	cmd := exec.Command(c.opts.Backend.Command, args...)
	cmd.Dir = c.opts.Directory
	cmd.Env = os.Environ()
	cmd.Stdin = strings.NewReader(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", false, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", false, fmt.Errorf("spawn backend: %w", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cmd = nil
		c.mu.Unlock()
	}()

	accumulated, parseErr := c.consumeOutput(stdout, driver)

	waitErr := cmd.Wait()
	if driver.finished() {
		return accumulated, false, fmt.Errorf("turn already terminated")
	}
	if parseErr != nil {
		return accumulated, false, parseErr
	}
	if waitErr != nil {
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = waitErr.Error()
		}
		return accumulated, isRetryableFailure(message, cmd), fmt.Errorf("backend failed: %s", message)
	}
	return accumulated, false, nil
}

func (c *lineBufferedClient) consumeOutput(stdout io.Reader, driver *turnDriver) (string, error) {
	var accumulated strings.Builder

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || isNoiseLine(line) {
			continue
		}

		var ev lineEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Unknown plain-text output: treat as noise, not a fault.
			logging.Debug().Str("line", line).Msg("skipping non-JSON backend line")
			continue
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
		case "result":
			if ev.Text != "" && accumulated.Len() == 0 {
				accumulated.WriteString(ev.Text)
				driver.event(types.DeltaEvent(ev.Text))
			}
		case "error":
			return accumulated.String(), fmt.Errorf("backend error: %s", ev.Message)
		default:
			logging.Debug().Str("type", ev.Type).Msg("ignoring unknown backend event")
		}
	}
	return accumulated.String(), nil
}

func isNoiseLine(line string) bool {
	for _, pattern := range noiseLinePatterns {
		if pattern.MatchString(line) {
			return true
		}
	}
	return false
}

// isRetryableFailure classifies a failed run: rate-limit shaped stderr text
// or the backend's documented rate-limit exit code 75 are transient.
func isRetryableFailure(message string, cmd *exec.Cmd) bool {
	if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 75 {
		return true
	}
	for _, pattern := range retryableErrorPatterns {
		if pattern.MatchString(message) {
			return true
		}
	}
	return false
}

func (c *lineBufferedClient) killCurrent() {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// Interrupt resolves the pending turn with whatever text has accumulated
// and kills the per-turn subprocess.
func (c *lineBufferedClient) Interrupt() {
	c.mu.Lock()
	driver := c.turn
	c.mu.Unlock()

	if driver != nil {
		driver.complete()
	}
	c.killCurrent()
}

func (c *lineBufferedClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	driver := c.turn
	c.mu.Unlock()

	if driver != nil {
		driver.complete()
	}
	c.killCurrent()
	c.emit(types.StatusEvent(types.StatusClosed, ""))
	return nil
}

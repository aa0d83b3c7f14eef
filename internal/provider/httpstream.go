package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/agentdock/agentdock/internal/logging"
	"github.com/agentdock/agentdock/pkg/types"
)

// httpStreamClient drives a chat-completion-style HTTP endpoint with SSE
// streaming. Each tool round is one stateless request; tool-call fragments
// are accumulated by stream index until the response ends, executed through
// the runner, and fed back as tool-role messages in the next round.
type httpStreamClient struct {
	opts ConnectOptions
	emit Emitter

	httpClient *http.Client

	mu       sync.Mutex
	messages []chatMessage
	turn     *turnDriver
	cancel   context.CancelFunc
	closed   bool
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Tools    []chatTool    `json:"tools,omitempty"`
}

type chatTool struct {
	Type     string             `json:"type"`
	Function chatToolDefinition `json:"function"`
}

type chatToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage,omitempty"`
}

// retryHintPattern matches rate-limit body hints like "try again in 3s".
var retryHintPattern = regexp.MustCompile(`try again in (\d+(?:\.\d+)?)s`)

func newHTTPStreamClient(opts ConnectOptions, emit Emitter) *httpStreamClient {
	return &httpStreamClient{
		opts:       opts,
		emit:       emit,
		httpClient: &http.Client{},
	}
}

// Connect validates credentials and seeds the message history. The endpoint
// is stateless, so there is no process to spawn.
func (c *httpStreamClient) Connect(ctx context.Context) (string, error) {
	c.emit(types.StatusEvent(types.StatusStarting, ""))

	if c.opts.Backend.BaseURL == "" {
		return "", fmt.Errorf("no base URL configured")
	}
	if c.opts.Backend.APIKey == "" {
		return "", fmt.Errorf("no API key configured")
	}

	c.mu.Lock()
	if c.opts.SystemPrompt != "" {
		c.messages = append(c.messages, chatMessage{Role: "system", Content: c.opts.SystemPrompt})
	}
	for _, entry := range c.opts.History {
		c.messages = append(c.messages, chatMessage{Role: entry.Role, Content: entry.Text})
	}
	c.mu.Unlock()

	c.emit(types.StatusEvent(types.StatusReady, ""))
	return ulid.Make().String(), nil
}

func (c *httpStreamClient) SendMessage(ctx context.Context, msg Message) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("client is closed")
	}
	content := msg.Text
	if len(msg.ImagePaths) > 0 {
		content = "Attached images: " + strings.Join(msg.ImagePaths, ", ") + "\n\n" + content
	}
	c.messages = append(c.messages, chatMessage{Role: "user", Content: content})
	c.mu.Unlock()

	driver := newTurnDriver(c.emit)
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	driver.startWatchdog(InactivityWindow, func() {
		cancel()
		driver.fail(ErrTurnTimeout.Error())
	})

	c.mu.Lock()
	c.turn = driver
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.turn = nil
		c.cancel = nil
		c.mu.Unlock()
	}()

	var final string
	for round := 0; round < MaxRounds; round++ {
		reply, calls, err := c.streamRound(turnCtx, driver)
		if reply != "" {
			final = reply
		}
		if err != nil {
			if driver.finished() {
				// Interrupt or watchdog already terminated the turn.
				return final, nil
			}
			driver.fail(err.Error())
			return final, err
		}

		if len(calls) == 0 {
			c.mu.Lock()
			c.messages = append(c.messages, chatMessage{Role: "assistant", Content: reply})
			c.mu.Unlock()
			driver.complete()
			return final, nil
		}

		c.mu.Lock()
		c.messages = append(c.messages, chatMessage{Role: "assistant", Content: reply, ToolCalls: calls})
		c.mu.Unlock()

		for _, call := range calls {
			if !driver.firstToolCall(call.ID) {
				continue
			}
			args := json.RawMessage(call.Function.Arguments)
			driver.event(types.ThinkingEvent(describeToolCall(call.Function.Name, args)))
			result := c.opts.Runner.Execute(turnCtx, call.Function.Name, args)
			c.mu.Lock()
			c.messages = append(c.messages, chatMessage{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
			c.mu.Unlock()
		}
	}

	driver.fail(fmt.Sprintf("tool round limit reached (%d)", MaxRounds))
	return final, nil
}

// streamRound performs one request and consumes its SSE stream, returning
// accumulated text and any requested tool calls.
func (c *httpStreamClient) streamRound(ctx context.Context, driver *turnDriver) (string, []chatToolCall, error) {
	resp, err := c.requestWithRetry(ctx)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	var text strings.Builder
	fragments := map[int]*chatToolCall{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			logging.Debug().Str("data", payload).Msg("skipping malformed SSE chunk")
			continue
		}
		driver.touch()

		if len(chunk.Usage) > 0 {
			driver.event(types.UsageEvent(chunk.Usage))
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				driver.event(types.DeltaEvent(choice.Delta.Content))
			}
			for _, fragment := range choice.Delta.ToolCalls {
				call, ok := fragments[fragment.Index]
				if !ok {
					call = &chatToolCall{Type: "function"}
					fragments[fragment.Index] = call
				}
				if fragment.ID != "" {
					call.ID = fragment.ID
				}
				if fragment.Function.Name != "" {
					call.Function.Name = fragment.Function.Name
				}
				call.Function.Arguments += fragment.Function.Arguments
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return text.String(), nil, fmt.Errorf("read stream: %w", err)
	}

	indexes := make([]int, 0, len(fragments))
	for i := range fragments {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	calls := make([]chatToolCall, 0, len(fragments))
	for _, i := range indexes {
		calls = append(calls, *fragments[i])
	}
	return text.String(), calls, nil
}

// requestWithRetry issues the round's request, retrying 429 responses up to
// MaxRetries429 times. The delay comes from the Retry-After header (seconds
// or HTTP-date), else a body hint, else exponential backoff, capped at
// MaxRetryDelay.
func (c *httpStreamClient) requestWithRetry(ctx context.Context) (*http.Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = MaxRetryDelay

	var lastStatus int
	var lastBody string

	for attempt := 0; attempt <= MaxRetries429; attempt++ {
		resp, err := c.doRequest(ctx)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		lastStatus = resp.StatusCode
		lastBody = strings.TrimSpace(string(body))

		if resp.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("backend returned %d: %s", lastStatus, lastBody)
		}
		if attempt == MaxRetries429 {
			break
		}

		delay := retryDelay(resp.Header.Get("Retry-After"), lastBody, policy)
		logging.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("rate limited, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w: backend returned %d after %d retries: %s",
		ErrRateLimited, lastStatus, MaxRetries429, lastBody)
}

func (c *httpStreamClient) doRequest(ctx context.Context) (*http.Response, error) {
	c.mu.Lock()
	reqBody := chatRequest{
		Model:    c.opts.Model,
		Messages: append([]chatMessage(nil), c.messages...),
		Stream:   true,
		Tools:    c.toolCatalog(),
	}
	c.mu.Unlock()

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(c.opts.Backend.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.opts.Backend.APIKey)

	return c.httpClient.Do(req)
}

func (c *httpStreamClient) toolCatalog() []chatTool {
	defs := c.opts.Runner.Definitions()
	tools := make([]chatTool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, chatTool{
			Type: "function",
			Function: chatToolDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return tools
}

// retryDelay derives the wait before the next attempt after a 429.
func retryDelay(retryAfter, body string, policy *backoff.ExponentialBackOff) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			return capDelay(time.Duration(seconds) * time.Second)
		}
		if at, err := http.ParseTime(retryAfter); err == nil {
			if d := time.Until(at); d > 0 {
				return capDelay(d)
			}
		}
	}
	if m := retryHintPattern.FindStringSubmatch(body); m != nil {
		if seconds, err := strconv.ParseFloat(m[1], 64); err == nil && seconds > 0 {
			return capDelay(time.Duration(seconds * float64(time.Second)))
		}
	}
	return capDelay(policy.NextBackOff())
}

func capDelay(d time.Duration) time.Duration {
	if d > MaxRetryDelay {
		return MaxRetryDelay
	}
	return d
}

// Interrupt aborts the in-flight network operation.
func (c *httpStreamClient) Interrupt() {
	c.mu.Lock()
	driver := c.turn
	cancel := c.cancel
	c.mu.Unlock()

	if driver != nil {
		driver.complete()
	}
	if cancel != nil {
		cancel()
	}
}

func (c *httpStreamClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	driver := c.turn
	cancel := c.cancel
	c.mu.Unlock()

	if driver != nil {
		driver.complete()
	}
	if cancel != nil {
		cancel()
	}
	c.emit(types.StatusEvent(types.StatusClosed, ""))
	return nil
}

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
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/agentdock/agentdock/internal/logging"
	"github.com/agentdock/agentdock/internal/permission"
	"github.com/agentdock/agentdock/pkg/types"
)

// jsonrpcClient speaks JSON-RPC 2.0 over a subprocess's stdio, one JSON
// object per line. Requests carry monotonically increasing numeric ids;
// notifications are fire-and-forget. After the initialize handshake the
// client creates one logical thread and starts one turn per message.
// Backend-initiated approval requests are answered synchronously from the
// permission policy.
type jsonrpcClient struct {
	opts ConnectOptions
	emit Emitter

	nextID int64

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	pending  map[int64]chan rpcResult
	threadID string
	turn     *turnDriver
	text     *strings.Builder
	rounds   int
	closed   bool
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

func newJSONRPCClient(opts ConnectOptions, emit Emitter) *jsonrpcClient {
	return &jsonrpcClient{
		opts:    opts,
		emit:    emit,
		pending: make(map[int64]chan rpcResult),
	}
}

func (c *jsonrpcClient) Connect(ctx context.Context) (string, error) {
	c.emit(types.StatusEvent(types.StatusStarting, "starting backend process"))

	if c.opts.Backend.Command == "" {
		return "", fmt.Errorf("no backend command configured")
	}

	cmd := exec.Command(c.opts.Backend.Command, c.opts.Backend.Args...)
	cmd.Dir = c.opts.Directory
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn backend %s: %w", c.opts.Backend.Command, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.mu.Unlock()

	go c.readLoop(stdout)

	// Handshake: initialize request, then the initialized notification.
	initParams := map[string]any{
		"protocolVersion": 1,
		"clientInfo":      map[string]string{"name": "agentdock", "version": "1.0.0"},
	}
	if _, err := c.call(ctx, "initialize", initParams); err != nil {
		c.killProcess()
		return "", fmt.Errorf("initialize handshake: %w", err)
	}
	if err := c.notify("initialized", nil); err != nil {
		c.killProcess()
		return "", err
	}

	threadResult, err := c.call(ctx, "thread/new", map[string]any{
		"cwd":   c.opts.Directory,
		"model": c.opts.Model,
	})
	if err != nil {
		c.killProcess()
		return "", fmt.Errorf("create thread: %w", err)
	}

	var thread struct {
		ThreadID string `json:"threadId"`
	}
	_ = json.Unmarshal(threadResult, &thread)
	if thread.ThreadID == "" {
		thread.ThreadID = ulid.Make().String()
	}

	c.mu.Lock()
	c.threadID = thread.ThreadID
	c.mu.Unlock()

	c.emit(types.StatusEvent(types.StatusReady, ""))
	return thread.ThreadID, nil
}

func (c *jsonrpcClient) SendMessage(ctx context.Context, msg Message) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("client is closed")
	}
	threadID := c.threadID
	c.mu.Unlock()

	driver := newTurnDriver(c.emit)
	driver.startWatchdog(InactivityWindow, func() {
		driver.fail(ErrTurnTimeout.Error())
	})

	accumulated := &strings.Builder{}
	c.mu.Lock()
	c.turn = driver
	c.text = accumulated
	c.rounds = 0
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.turn = nil
		c.text = nil
		c.mu.Unlock()
	}()

	// The turn/start call must unblock when the turn terminates locally
	// (interrupt, watchdog) even if the backend never answers it, so the
	// call context is cancelled once the driver finishes.
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-driver.doneChan()
		cancel()
	}()

	mode := c.opts.InteractionMode
	if msg.Mode != "" {
		mode = msg.Mode
	}
	_, err := c.call(turnCtx, "turn/start", map[string]any{
		"threadId": threadID,
		"text":     msg.Text,
		"images":   msg.ImagePaths,
		"model":    c.opts.Model,
		"mode":     string(mode),
	})
	if err != nil {
		if driver.finished() {
			// Interrupt or watchdog already resolved the turn.
			return accumulated.String(), nil
		}
		driver.fail(err.Error())
		return "", err
	}

	select {
	case <-driver.doneChan():
	case <-ctx.Done():
		driver.fail("turn canceled")
		return accumulated.String(), ctx.Err()
	}
	return accumulated.String(), nil
}

// Interrupt sends an explicit turn-interrupt request, then terminates the
// turn locally so the caller sees a completion even if the backend never
// acknowledges.
func (c *jsonrpcClient) Interrupt() {
	c.mu.Lock()
	driver := c.turn
	threadID := c.threadID
	c.mu.Unlock()

	_ = c.notify("turn/interrupt", map[string]any{"threadId": threadID})
	if driver != nil {
		driver.complete()
	}
}

func (c *jsonrpcClient) Close() error {
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
	c.killProcess()
	c.emit(types.StatusEvent(types.StatusClosed, ""))
	return nil
}

func (c *jsonrpcClient) killProcess() {
	c.mu.Lock()
	cmd := c.cmd
	c.cmd = nil
	c.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// call issues a request and blocks for the matching response.
func (c *jsonrpcClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan rpcResult, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(rpcEnvelope(&id, method, params)); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notify sends a fire-and-forget notification.
func (c *jsonrpcClient) notify(method string, params any) error {
	return c.write(rpcEnvelope(nil, method, params))
}

func rpcEnvelope(id *int64, method string, params any) map[string]any {
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		msg["id"] = *id
	}
	if params != nil {
		msg["params"] = params
	}
	return msg
}

func (c *jsonrpcClient) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin == nil {
		return fmt.Errorf("backend not connected")
	}
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

func (c *jsonrpcClient) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logging.Debug().Str("line", line).Msg("skipping malformed rpc line")
			continue
		}

		switch {
		case msg.ID != nil && msg.Method != "":
			c.handleRequest(&msg)
		case msg.ID != nil:
			c.handleResponse(&msg)
		case msg.Method != "":
			c.handleNotification(&msg)
		}
	}

	// EOF: the backend is gone. Fail anything still waiting.
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan rpcResult)
	driver := c.turn
	closed := c.closed
	c.mu.Unlock()

	err := &ProcessCrashError{}
	for _, ch := range pending {
		ch <- rpcResult{err: err}
	}
	if driver != nil && !closed {
		driver.fail(err.Error())
	}
}

func (c *jsonrpcClient) handleResponse(msg *rpcMessage) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	c.mu.Unlock()
	if !ok {
		logging.Debug().Int64("id", *msg.ID).Msg("response for unknown request id")
		return
	}
	if msg.Error != nil {
		ch <- rpcResult{err: msg.Error}
		return
	}
	ch <- rpcResult{result: msg.Result}
}

func (c *jsonrpcClient) handleNotification(msg *rpcMessage) {
	c.mu.Lock()
	driver := c.turn
	accumulated := c.text
	c.mu.Unlock()
	if driver == nil {
		return
	}

	var params struct {
		Text    string `json:"text"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	switch msg.Method {
	case "turn/delta":
		if accumulated != nil {
			accumulated.WriteString(params.Text)
		}
		driver.event(types.DeltaEvent(params.Text))
	case "turn/thinking":
		driver.event(types.ThinkingEvent(params.Text))
	case "turn/usage":
		driver.event(types.UsageEvent(msg.Params))
	case "turn/plan":
		driver.event(types.PlanEvent(msg.Params))
	case "turn/completed":
		driver.complete()
	case "turn/error":
		driver.fail(params.Message)
	default:
		logging.Debug().Str("method", msg.Method).Msg("ignoring unknown notification")
	}
}

// handleRequest answers backend-initiated requests: tool execution and
// approval prompts.
func (c *jsonrpcClient) handleRequest(msg *rpcMessage) {
	switch msg.Method {
	case "tool/call":
		go c.handleToolCall(msg)
	case "turn/request_approval":
		c.handleApproval(msg)
	default:
		c.respondError(*msg.ID, -32601, fmt.Sprintf("method not found: %s", msg.Method))
	}
}

func (c *jsonrpcClient) handleToolCall(msg *rpcMessage) {
	var params types.ToolCall
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.respondError(*msg.ID, -32602, "invalid tool call params")
		return
	}

	c.mu.Lock()
	driver := c.turn
	c.rounds++
	rounds := c.rounds
	c.mu.Unlock()

	if driver != nil && params.ID != "" && !driver.firstToolCall(params.ID) {
		c.respond(*msg.ID, map[string]any{"result": "Tool error: duplicate tool call"})
		return
	}
	if rounds > MaxRounds {
		c.respond(*msg.ID, map[string]any{
			"result": fmt.Sprintf("Tool error: tool round limit reached (%d)", MaxRounds),
		})
		return
	}
	if driver != nil {
		driver.event(types.ThinkingEvent(describeToolCall(params.Name, params.Args)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), InactivityWindow)
	defer cancel()
	result := c.opts.Runner.Execute(ctx, params.Name, params.Args)
	c.respond(*msg.ID, map[string]any{"result": result})
}

// handleApproval answers a guarded-action prompt from the policy. In
// proceed-always mode the policy decides; in verify-first mode the request
// is always declined and the user is told how to unblock it. The payload is
// untyped, so read vs write is a best-effort keyword classification.
func (c *jsonrpcClient) handleApproval(msg *rpcMessage) {
	c.mu.Lock()
	driver := c.turn
	c.mu.Unlock()

	if c.opts.Policy.Mode == types.PermissionVerifyFirst {
		if driver != nil {
			driver.event(types.StatusEvent(types.StatusError,
				"backend requested approval; set permission mode to proceed-always to auto-approve"))
		}
		c.respond(*msg.ID, map[string]any{
			"approved": false,
			"reason":   "approval required in verify-first mode",
		})
		return
	}

	approved, reason := c.decideApproval(msg.Params)
	c.respond(*msg.ID, map[string]any{"approved": approved, "reason": reason})
}

func (c *jsonrpcClient) decideApproval(params json.RawMessage) (bool, string) {
	var payload map[string]any
	if err := json.Unmarshal(params, &payload); err != nil {
		return false, "unreadable approval payload"
	}

	if command, ok := payload["command"].(string); ok && command != "" {
		if c.opts.Policy.DecideCommand(command) {
			return true, ""
		}
		return false, fmt.Sprintf("command %q violates permission policy", command)
	}

	path, _ := payload["path"].(string)
	if path == "" {
		return false, "approval payload has neither command nor path"
	}

	access := permission.AccessRead
	if approvalLooksLikeWrite(payload) {
		access = permission.AccessWrite
	}
	if c.opts.Policy.Decide(path, access) {
		return true, ""
	}
	return false, fmt.Sprintf("%s access to %q violates permission policy", access, path)
}

// approvalLooksLikeWrite scans the untyped payload for write-ish verbs.
// Best effort only, never a security guarantee.
func approvalLooksLikeWrite(payload map[string]any) bool {
	for _, key := range []string{"action", "kind", "tool", "operation"} {
		value, _ := payload[key].(string)
		value = strings.ToLower(value)
		for _, verb := range []string{"write", "save", "edit", "create", "delete"} {
			if strings.Contains(value, verb) {
				return true
			}
		}
	}
	return false
}

func (c *jsonrpcClient) respond(id int64, result any) {
	if err := c.write(map[string]any{"jsonrpc": "2.0", "id": id, "result": result}); err != nil {
		logging.Warn().Err(err).Msg("failed to write rpc response")
	}
}

func (c *jsonrpcClient) respondError(id int64, code int, message string) {
	_ = c.write(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
}

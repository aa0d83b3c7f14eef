package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/permission"
	"github.com/agentdock/agentdock/internal/tool"
	"github.com/agentdock/agentdock/pkg/types"
)

func sseChunk(payload string) string {
	return "data: " + payload + "\n\n"
}

func newHTTPTestClient(t *testing.T, url string) (*httpStreamClient, *recorder) {
	t.Helper()
	dir := t.TempDir()
	policy := permission.NewPolicy(types.SandboxWorkspaceWrite, types.PermissionProceedAlways, nil)
	rec := &recorder{}
	client := newHTTPStreamClient(ConnectOptions{
		Directory: dir,
		Model:     "test-model",
		Backend:   types.BackendConfig{BaseURL: url, APIKey: "test-key"},
		Policy:    policy,
		Runner:    tool.NewRunner(dir, policy),
	}, rec.emit)
	return client, rec
}

func TestHTTPStreamSimpleTurn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{"content":"Hello"}}]}`))
		fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{"content":" world"}}]}`))
		fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"total_tokens":7}}`))
		fmt.Fprint(w, sseChunk(`[DONE]`))
	}))
	defer server.Close()

	client, rec := newHTTPTestClient(t, server.URL)
	_, err := client.Connect(context.Background())
	require.NoError(t, err)

	reply, err := client.SendMessage(context.Background(), Message{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", reply)

	assert.Equal(t, 1, rec.completedCount())

	var sawUsage bool
	for _, ev := range rec.all() {
		if ev.Type == types.EventUsageUpdated {
			sawUsage = true
		}
	}
	assert.True(t, sawUsage)
}

func TestHTTPStreamToolRounds(t *testing.T) {
	// Three tool-call rounds then a final text-only response: exactly three
	// tool executions, and the final round's text becomes the reply.
	var round int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&round, 1)
		w.Header().Set("Content-Type", "text/event-stream")

		if n <= 3 {
			var body struct {
				Messages []chatMessage `json:"messages"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			// Each round after the first must carry the previous tool result.
			if n > 1 {
				last := body.Messages[len(body.Messages)-1]
				assert.Equal(t, "tool", last.Role)
			}

			fmt.Fprint(w, sseChunk(fmt.Sprintf(
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-%d","function":{"name":"list_workspace_tree","arguments":""}}]}}]}`, n)))
			fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]}}]}`))
			fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`))
		} else {
			fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{"content":"done after tools"}}]}`))
		}
		fmt.Fprint(w, sseChunk(`[DONE]`))
	}))
	defer server.Close()

	client, rec := newHTTPTestClient(t, server.URL)
	_, err := client.Connect(context.Background())
	require.NoError(t, err)

	reply, err := client.SendMessage(context.Background(), Message{Text: "go"})
	require.NoError(t, err)
	assert.Equal(t, "done after tools", reply)
	assert.EqualValues(t, 4, atomic.LoadInt32(&round))

	thinking := 0
	for _, ev := range rec.all() {
		if ev.Type == types.EventThinking {
			thinking++
		}
	}
	assert.Equal(t, 3, thinking, "one thinking trace per tool execution")
	assert.Equal(t, 1, rec.completedCount())
}

func TestHTTPStreamRetryExhaustion(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "rate limited, try again in 0.001s")
	}))
	defer server.Close()

	client, rec := newHTTPTestClient(t, server.URL)
	_, err := client.Connect(context.Background())
	require.NoError(t, err)

	_, err = client.SendMessage(context.Background(), Message{Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.EqualValues(t, MaxRetries429+1, atomic.LoadInt32(&attempts))
	assert.Equal(t, 1, rec.completedCount())
}

func TestHTTPStreamNon429FailsImmediately(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "bad key")
	}))
	defer server.Close()

	client, rec := newHTTPTestClient(t, server.URL)
	_, err := client.Connect(context.Background())
	require.NoError(t, err)

	_, err = client.SendMessage(context.Background(), Message{Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, 1, rec.completedCount())
}

func TestRetryDelaySources(t *testing.T) {
	policy := backoff.NewExponentialBackOff()

	// Retry-After in seconds takes priority.
	assert.Equal(t, 2*time.Second, retryDelay("2", "", policy))

	// Retry-After as an HTTP-date.
	at := time.Now().Add(5 * time.Second).UTC().Format(http.TimeFormat)
	d := retryDelay(at, "", policy)
	assert.Greater(t, d, 3*time.Second)
	assert.LessOrEqual(t, d, 5*time.Second)

	// Body hint when the header is absent.
	assert.Equal(t, 1500*time.Millisecond, retryDelay("", "please try again in 1.5s", policy))

	// Everything is capped.
	assert.Equal(t, MaxRetryDelay, retryDelay("3600", "", policy))
}

func TestHTTPStreamConnectRequiresCredentials(t *testing.T) {
	rec := &recorder{}
	client := newHTTPStreamClient(ConnectOptions{
		Backend: types.BackendConfig{BaseURL: "http://localhost:1"},
	}, rec.emit)
	_, err := client.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestHTTPStreamInterrupt(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{"content":"partial"}}]}`))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	client, rec := newHTTPTestClient(t, server.URL)
	_, err := client.Connect(context.Background())
	require.NoError(t, err)

	done := make(chan string, 1)
	go func() {
		reply, _ := client.SendMessage(context.Background(), Message{Text: "hi"})
		done <- reply
	}()

	// Wait for the partial delta, then interrupt.
	require.Eventually(t, func() bool {
		for _, ev := range rec.all() {
			if ev.Type == types.EventAssistantDelta {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	client.Interrupt()

	select {
	case reply := <-done:
		assert.Equal(t, "partial", reply)
	case <-time.After(2 * time.Second):
		t.Fatal("SendMessage did not return after interrupt")
	}
	assert.Equal(t, 1, rec.completedCount())
}

package provider

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentdock/agentdock/pkg/types"
)

// turnDriver owns the per-turn bookkeeping every variant shares: the
// inactivity watchdog, tool-call id de-duplication, and the guarantee that
// exactly one terminal assistantCompleted is emitted no matter how the turn
// ends. All variants route their events through it.
type turnDriver struct {
	emit Emitter

	mu       sync.Mutex
	done     bool
	doneCh   chan struct{}
	seen     map[string]struct{}
	watchdog *time.Timer
	window   time.Duration
}

func newTurnDriver(emit Emitter) *turnDriver {
	return &turnDriver{
		emit:   emit,
		doneCh: make(chan struct{}),
		seen:   make(map[string]struct{}),
	}
}

// doneChan is closed once the turn has terminated, letting variant read
// loops unblock even when the backend keeps streaming.
func (t *turnDriver) doneChan() <-chan struct{} { return t.doneCh }

// startWatchdog arms the inactivity timer. onTimeout runs at most once, from
// the timer goroutine, and only while the turn is still in flight.
func (t *turnDriver) startWatchdog(window time.Duration, onTimeout func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window = window
	t.watchdog = time.AfterFunc(window, func() {
		t.mu.Lock()
		expired := !t.done
		t.mu.Unlock()
		if expired {
			onTimeout()
		}
	})
}

// touch resets the watchdog to the window it was armed with. Called for
// every parsed backend event.
func (t *turnDriver) touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.watchdog != nil && !t.done {
		t.watchdog.Reset(t.window)
	}
}

// event forwards a non-terminal event and counts as activity.
func (t *turnDriver) event(ev types.StreamEvent) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	if t.watchdog != nil {
		t.watchdog.Reset(t.window)
	}
	t.mu.Unlock()
	t.emit(ev)
}

// firstToolCall records a tool-call id, reporting whether it was unseen.
// Backends that announce a call mid-stream and repeat it in an aggregated
// event deliver the same id twice; only the first sighting is surfaced.
func (t *turnDriver) firstToolCall(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[id]; ok {
		return false
	}
	t.seen[id] = struct{}{}
	return true
}

// complete emits the terminal assistantCompleted. Idempotent.
func (t *turnDriver) complete() {
	if t.finish() {
		t.emit(types.CompletedEvent())
	}
}

// fail emits status{error} followed by the terminal assistantCompleted.
// Idempotent; a turn that already terminated stays terminated.
func (t *turnDriver) fail(message string) {
	if t.finish() {
		t.emit(types.StatusEvent(types.StatusError, message))
		t.emit(types.CompletedEvent())
	}
}

func (t *turnDriver) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	close(t.doneCh)
	if t.watchdog != nil {
		t.watchdog.Stop()
	}
	return true
}

func (t *turnDriver) finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// describeToolCall renders the one-line thinking trace for a tool call:
// the tool name plus a truncated argument excerpt.
func describeToolCall(name string, args json.RawMessage) string {
	const maxArgs = 120
	excerpt := string(args)
	if len(excerpt) > maxArgs {
		excerpt = excerpt[:maxArgs] + "..."
	}
	return fmt.Sprintf("Running tool %s %s", name, excerpt)
}

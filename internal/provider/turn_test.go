package provider

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/pkg/types"
)

// recorder collects emitted events in order.
type recorder struct {
	mu     sync.Mutex
	events []types.StreamEvent
}

func (r *recorder) emit(ev types.StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []types.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.StreamEvent(nil), r.events...)
}

func (r *recorder) completedCount() int {
	count := 0
	for _, ev := range r.all() {
		if ev.Type == types.EventAssistantCompleted {
			count++
		}
	}
	return count
}

func TestTurnCompletesExactlyOnce(t *testing.T) {
	rec := &recorder{}
	driver := newTurnDriver(rec.emit)

	driver.event(types.DeltaEvent("hello"))
	driver.complete()
	driver.complete()
	driver.fail("late failure")
	driver.event(types.DeltaEvent("after terminal"))

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, types.EventAssistantDelta, events[0].Type)
	assert.Equal(t, types.EventAssistantCompleted, events[1].Type)
}

func TestTurnFailureEmitsErrorThenCompleted(t *testing.T) {
	rec := &recorder{}
	driver := newTurnDriver(rec.emit)

	driver.fail("backend broke")

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, types.EventStatus, events[0].Type)
	assert.Equal(t, types.StatusError, events[0].State)
	assert.Equal(t, "backend broke", events[0].Message)
	assert.Equal(t, types.EventAssistantCompleted, events[1].Type)
	assert.Equal(t, 1, rec.completedCount())
}

func TestInterruptThenBackendCompletionStaysSingle(t *testing.T) {
	rec := &recorder{}
	driver := newTurnDriver(rec.emit)

	// Interrupt resolves the turn; a late backend completion and a late
	// error are both swallowed.
	driver.complete()
	driver.fail("backend error arriving after interrupt")
	driver.complete()

	assert.Equal(t, 1, rec.completedCount())
}

func TestDuplicateToolCallSurfacedOnce(t *testing.T) {
	driver := newTurnDriver(func(types.StreamEvent) {})

	assert.True(t, driver.firstToolCall("call-1"))
	assert.False(t, driver.firstToolCall("call-1"))
	assert.True(t, driver.firstToolCall("call-2"))
}

func TestWatchdogFires(t *testing.T) {
	rec := &recorder{}
	driver := newTurnDriver(rec.emit)

	fired := make(chan struct{})
	driver.startWatchdog(20*time.Millisecond, func() {
		driver.fail(ErrTurnTimeout.Error())
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog never fired")
	}

	<-driver.doneChan()
	assert.Equal(t, 1, rec.completedCount())
}

func TestWatchdogResetByActivity(t *testing.T) {
	rec := &recorder{}
	driver := newTurnDriver(rec.emit)
	driver.startWatchdog(60*time.Millisecond, func() {
		driver.fail(ErrTurnTimeout.Error())
	})

	// Keep touching past the original deadline; the turn must stay alive.
	for i := 0; i < 5; i++ {
		time.Sleep(25 * time.Millisecond)
		driver.touch()
	}
	assert.False(t, driver.finished())

	driver.complete()
	assert.Equal(t, 1, rec.completedCount())
}

func TestEventResetsToArmedWindow(t *testing.T) {
	rec := &recorder{}
	driver := newTurnDriver(rec.emit)

	fired := make(chan struct{})
	driver.startWatchdog(40*time.Millisecond, func() {
		driver.fail(ErrTurnTimeout.Error())
		close(fired)
	})

	// An event resets the timer to the armed 40ms window, not to the
	// package default; the watchdog must still fire promptly afterwards.
	time.Sleep(20 * time.Millisecond)
	driver.event(types.DeltaEvent("activity"))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog ignored the armed window after an event")
	}
	assert.Equal(t, 1, rec.completedCount())
}

func TestDescribeToolCallTruncatesArgs(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	desc := describeToolCall("read_workspace_file", long)
	assert.Contains(t, desc, "read_workspace_file")
	assert.Less(t, len(desc), 200)
	assert.Contains(t, desc, "...")
}

package types

import "encoding/json"

// StreamEventType discriminates the StreamEvent union.
type StreamEventType string

const (
	EventStatus             StreamEventType = "status"
	EventAssistantDelta     StreamEventType = "assistantDelta"
	EventAssistantCompleted StreamEventType = "assistantCompleted"
	EventThinking           StreamEventType = "thinking"
	EventUsageUpdated       StreamEventType = "usageUpdated"
	EventPlanUpdated        StreamEventType = "planUpdated"
)

// StatusState is the connection state carried by a status event.
type StatusState string

const (
	StatusStarting StatusState = "starting"
	StatusReady    StatusState = "ready"
	StatusError    StatusState = "error"
	StatusClosed   StatusState = "closed"
)

// StreamEvent is the normalized event emitted by every provider client.
// For any turn, zero or more delta/thinking/usage events precede exactly one
// terminal assistantCompleted; a failed turn emits status{error} first and
// then the terminal assistantCompleted so subscribers never get stuck with a
// turn marked in flight.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// Status fields, set when Type == EventStatus.
	State   StatusState `json:"state,omitempty"`
	Message string      `json:"message,omitempty"`

	// Text delta, set when Type == EventAssistantDelta or EventThinking.
	Text string `json:"text,omitempty"`

	// Opaque backend payload for usageUpdated / planUpdated.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StatusEvent builds a status StreamEvent.
func StatusEvent(state StatusState, message string) StreamEvent {
	return StreamEvent{Type: EventStatus, State: state, Message: message}
}

// DeltaEvent builds an assistantDelta StreamEvent.
func DeltaEvent(text string) StreamEvent {
	return StreamEvent{Type: EventAssistantDelta, Text: text}
}

// CompletedEvent builds the terminal assistantCompleted StreamEvent.
func CompletedEvent() StreamEvent {
	return StreamEvent{Type: EventAssistantCompleted}
}

// ThinkingEvent builds a one-line "what the backend is doing" StreamEvent.
func ThinkingEvent(message string) StreamEvent {
	return StreamEvent{Type: EventThinking, Text: message}
}

// UsageEvent builds a usageUpdated StreamEvent with an opaque payload.
func UsageEvent(payload json.RawMessage) StreamEvent {
	return StreamEvent{Type: EventUsageUpdated, Payload: payload}
}

// PlanEvent builds a planUpdated StreamEvent with an opaque payload.
func PlanEvent(payload json.RawMessage) StreamEvent {
	return StreamEvent{Type: EventPlanUpdated, Payload: payload}
}

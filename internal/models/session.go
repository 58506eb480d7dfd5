// Package models defines the events published about the live session.
package models

// Event types carried in the eventType field.
const (
	EventTypeState      = "live.session.state"
	EventTypeDiagnostic = "live.session.diagnostic"
)

// SessionStateEvent is published for every connection state change.
type SessionStateEvent struct {
	EventType string `json:"eventType"`
	EventID   string `json:"eventId"`
	SessionID string `json:"sessionId,omitempty"`
	State     string `json:"state"`
	Message   string `json:"message,omitempty"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

// DiagnosticEvent is published for every diagnostic emitted by the coordinator.
type DiagnosticEvent struct {
	EventType string            `json:"eventType"`
	EventID   string            `json:"eventId"`
	SessionID string            `json:"sessionId,omitempty"`
	Kind      string            `json:"kind"`
	Component string            `json:"component,omitempty"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

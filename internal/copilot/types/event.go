package types

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the inbound stream event envelope
type EventType string

const (
	EventChatID         EventType = "chat_id"
	EventToolGenerating EventType = "tool_generating"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventToolError      EventType = "tool_error"
	EventReasoning      EventType = "reasoning"
	EventContent        EventType = "content"
	EventDone           EventType = "done"
	EventError          EventType = "error"
	EventStreamEnd      EventType = "stream_end"
)

// Reasoning event phases. A reasoning event without a phase carries a
// content chunk instead.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
)

// Event is one decoded SSE line. Depending on Type, Data holds either a
// flat JSON string (content, reasoning, chat_id) or a nested object
// (tool_call, tool_result, tool_error).
type Event struct {
	Type  EventType       `json:"type"`
	Phase string          `json:"phase,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Text decodes Data as a flat JSON string. Falls back to the raw bytes when
// the payload is not a quoted string, so a sloppy producer does not lose
// content.
func (e *Event) Text() string {
	if len(e.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

// ToolCallData is the payload of tool_generating and tool_call events
type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallData decodes the nested tool call payload
func (e *Event) ToolCallData() (*ToolCallData, error) {
	var d ToolCallData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	if d.ID == "" {
		return nil, fmt.Errorf("%s event missing tool call id", e.Type)
	}
	return &d, nil
}

// ToolResultData is the payload of tool_result and tool_error events
type ToolResultData struct {
	ID               string          `json:"id"`
	Name             string          `json:"name,omitempty"`
	Status           int             `json:"status,omitempty"`
	Message          string          `json:"message,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	Skipped          bool            `json:"skipped,omitempty"`
	DependencyFailed bool            `json:"dependency_failed,omitempty"`
}

// ToolResultData decodes the nested tool result payload
func (e *Event) ToolResultData() (*ToolResultData, error) {
	var d ToolResultData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	if d.ID == "" {
		return nil, fmt.Errorf("%s event missing tool call id", e.Type)
	}
	return &d, nil
}

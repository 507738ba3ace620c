package types

import "encoding/json"

// ToolState is the lifecycle state of a tool invocation
type ToolState string

const (
	ToolStatePending    ToolState = "pending"
	ToolStateGenerating ToolState = "generating"
	ToolStateExecuting  ToolState = "executing"
	ToolStateSuccess    ToolState = "success"
	ToolStateError      ToolState = "error"
	ToolStateRejected   ToolState = "rejected"
	ToolStateAborted    ToolState = "aborted"
	ToolStateReview     ToolState = "review"
	ToolStateBackground ToolState = "background"
)

// Terminal reports whether no further transition is accepted from s
func (s ToolState) Terminal() bool {
	switch s {
	case ToolStateSuccess, ToolStateError, ToolStateRejected,
		ToolStateAborted, ToolStateReview, ToolStateBackground:
		return true
	}
	return false
}

// ToolDisplay is the human-displayable label and icon for a tool state
type ToolDisplay struct {
	Text string `json:"text"`
	Icon string `json:"icon,omitempty"`
}

// ToolCall tracks one tool invocation across its lifecycle
type ToolCall struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	State   ToolState       `json:"state"`
	Params  json.RawMessage `json:"params,omitempty"`
	Display *ToolDisplay    `json:"display,omitempty"`
}

// Clone returns an independent copy of the call
func (t *ToolCall) Clone() *ToolCall {
	c := *t
	if t.Display != nil {
		d := *t.Display
		c.Display = &d
	}
	if t.Params != nil {
		c.Params = append(json.RawMessage(nil), t.Params...)
	}
	return &c
}

package stream

import (
	"strings"
	"time"

	"github.com/zenflow/copilot-stream/internal/copilot/types"
)

// TurnContext is the ephemeral working state of one in-flight assistant
// message. It is created when a streaming turn begins and retained by the
// session afterwards so a continuation turn can keep filling it. The
// carry-over buffer holds characters that cannot be classified yet because
// a thinking tag may be split across two network chunks.
type TurnContext struct {
	MessageID string

	content strings.Builder
	blocks  []*types.ContentBlock

	curText     *types.ContentBlock
	curThinking *types.ContentBlock

	pending       string
	inThinkingTag bool
	inReasoning   bool

	chatID      string
	doneSignals int
	completed   bool
}

// NewTurnContext creates the working context for one assistant message
func NewTurnContext(messageID string) *TurnContext {
	return &TurnContext{MessageID: messageID}
}

// Completed reports whether a completion signal has been processed
func (tc *TurnContext) Completed() bool {
	return tc.completed
}

// Reopen clears the completion latch so a continuation turn can keep
// appending to the same message. Existing blocks and flat content stay.
func (tc *TurnContext) Reopen() {
	tc.completed = false
	tc.doneSignals = 0
	tc.pending = ""
	tc.inThinkingTag = false
	tc.inReasoning = false
}

// ChatID returns the conversation id captured from the stream, if any
func (tc *TurnContext) ChatID() string {
	return tc.chatID
}

// Content returns the accumulated flat text of the turn
func (tc *TurnContext) Content() string {
	return tc.content.String()
}

// Blocks returns the working block list. Callers must not retain the slice
// across further event processing; committed consumers get clones instead.
func (tc *TurnContext) Blocks() []*types.ContentBlock {
	return tc.blocks
}

// PendingBuffer returns the unclassified carry-over text
func (tc *TurnContext) PendingBuffer() string {
	return tc.pending
}

// Snapshot clones the working state into an immutable update
func (tc *TurnContext) Snapshot() *Update {
	u := &Update{
		MessageID: tc.MessageID,
		Content:   tc.content.String(),
		Completed: tc.completed,
		Blocks:    make([]*types.ContentBlock, len(tc.blocks)),
	}
	for i, b := range tc.blocks {
		u.Blocks[i] = b.Clone()
	}
	return u
}

// Update is one committed snapshot of a streaming message. Blocks are
// clones of the working set; consumers may hold them indefinitely.
type Update struct {
	MessageID string                `json:"message_id"`
	Content   string                `json:"content"`
	Blocks    []*types.ContentBlock `json:"content_blocks"`
	Completed bool                  `json:"completed"`
}

// now is swappable in tests that pin thinking durations
var now = time.Now

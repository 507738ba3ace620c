package types

import (
	"strings"
	"time"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// BlockType discriminates the content block union
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockThinking BlockType = "thinking"
	BlockToolCall BlockType = "tool_call"
)

// ContentBlock is one atomic unit of an assistant turn's output: a text run,
// a thinking segment or a tool invocation. The Type field selects which of
// the remaining fields are meaningful.
type ContentBlock struct {
	Type      BlockType `json:"type"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Thinking blocks only. DurationMS is set once the block is sealed and
	// absent while the block is still receiving content.
	StartTime  time.Time `json:"start_time,omitempty"`
	DurationMS *int64    `json:"duration_ms,omitempty"`

	// Tool call blocks only.
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// Clone returns a copy safe to hand to consumers. The embedded tool call is
// copied by value so later state transitions never mutate a committed block.
func (b *ContentBlock) Clone() *ContentBlock {
	c := *b
	if b.DurationMS != nil {
		d := *b.DurationMS
		c.DurationMS = &d
	}
	if b.ToolCall != nil {
		c.ToolCall = b.ToolCall.Clone()
	}
	return &c
}

// Reset clears the block for reuse
func (b *ContentBlock) Reset() {
	*b = ContentBlock{}
}

// Message represents one conversation turn
type Message struct {
	ID            string          `json:"id"`
	Role          string          `json:"role"`
	Content       string          `json:"content"`
	ContentBlocks []*ContentBlock `json:"content_blocks,omitempty"`
	Attachments   []Attachment    `json:"attachments,omitempty"`
	Citations     []Citation      `json:"citations,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Attachment is a file attached to a message
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Citation is a source reference attached to a message
type Citation struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// FlatContent derives the flat text of a message from its block sequence.
// When blocks exist they are authoritative; the Content field is only a
// denormalized cache.
func (m *Message) FlatContent() string {
	if len(m.ContentBlocks) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, b := range m.ContentBlocks {
		if b.Type == BlockText {
			sb.WriteString(b.Content)
		}
	}
	return sb.String()
}

// HasToolCalls reports whether any block carries a tool invocation
func (m *Message) HasToolCalls() bool {
	for _, b := range m.ContentBlocks {
		if b.Type == BlockToolCall {
			return true
		}
	}
	return false
}

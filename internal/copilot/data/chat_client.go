package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zenflow/copilot-stream/internal/copilot/biz"
	"github.com/zenflow/copilot-stream/internal/copilot/types"
	"github.com/zenflow/copilot-stream/internal/pkg/logger"
)

// ChatServiceConfig configures the persistence client
type ChatServiceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// ChatClient persists conversations to the chat service. It implements
// biz.ChatBackend; both operations are treated as best-effort by the
// session layer.
type ChatClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *logger.Logger
}

// NewChatClient creates the persistence client
func NewChatClient(cfg *ChatServiceConfig, log *logger.Logger) *ChatClient {
	if log == nil {
		log = logger.L()
	}
	return &ChatClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{},
		log:     log,
	}
}

type updateChatRequest struct {
	ChatID   string           `json:"chat_id"`
	Messages []*types.Message `json:"messages"`
}

// UpdateChat uploads the full message list for a conversation
func (c *ChatClient) UpdateChat(ctx context.Context, chatID string, messages []*types.Message) error {
	payload := &updateChatRequest{
		ChatID:   chatID,
		Messages: normalizeMessages(messages),
	}
	return c.post(ctx, "/v1/chats/"+chatID, payload)
}

// MarkToolComplete records a finished tool call
func (c *ChatClient) MarkToolComplete(ctx context.Context, rec *biz.ToolCompletion) error {
	return c.post(ctx, "/v1/tools/complete", rec)
}

func (c *ChatClient) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("chat service returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// normalizeMessages prepares the list for upload: empty working blocks are
// dropped, the flat content cache is rebuilt from the blocks, and assistant
// messages left with nothing at all (an aborted placeholder that never
// received an event) are filtered out entirely.
func normalizeMessages(in []*types.Message) []*types.Message {
	out := make([]*types.Message, 0, len(in))
	for _, m := range in {
		next := *m
		if len(m.ContentBlocks) > 0 {
			blocks := make([]*types.ContentBlock, 0, len(m.ContentBlocks))
			for _, b := range m.ContentBlocks {
				if isEmptyBlock(b) {
					continue
				}
				blocks = append(blocks, b)
			}
			next.ContentBlocks = blocks
			next.Content = strings.TrimRight(next.FlatContent(), " \t")
		}
		if next.Role == types.RoleAssistant && len(next.ContentBlocks) == 0 && strings.TrimSpace(next.Content) == "" {
			continue
		}
		out = append(out, &next)
	}
	return out
}

func isEmptyBlock(b *types.ContentBlock) bool {
	switch b.Type {
	case types.BlockToolCall:
		return b.ToolCall == nil
	default:
		return b.Content == ""
	}
}

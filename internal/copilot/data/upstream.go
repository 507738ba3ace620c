package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/zenflow/copilot-stream/internal/copilot/biz"
	"github.com/zenflow/copilot-stream/internal/copilot/types"
	"github.com/zenflow/copilot-stream/internal/pkg/logger"
)

// UpstreamConfig configures the agent stream client
type UpstreamConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// UpstreamClient dials the agent backend's SSE endpoint. The caller owns
// the returned body; closing it tears the stream down.
type UpstreamClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *logger.Logger
}

// NewUpstreamClient creates the stream client. The http.Client carries no
// timeout; the per-turn context enforces the stream ceiling instead.
func NewUpstreamClient(cfg *UpstreamConfig, log *logger.Logger) *UpstreamClient {
	if log == nil {
		log = logger.L()
	}
	return &UpstreamClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{},
		log:     log,
	}
}

// StreamRequest is the payload sent when starting a streaming turn
type StreamRequest struct {
	ChatID       string           `json:"chat_id,omitempty"`
	Messages     []*types.Message `json:"messages"`
	Continuation bool             `json:"continuation,omitempty"`
}

// OpenStream starts a streaming turn and returns the raw SSE body
func (c *UpstreamClient) OpenStream(ctx context.Context, req *StreamRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(msg))
	}
	return resp.Body, nil
}

// Opener binds a request into the session's StreamOpener shape
func (c *UpstreamClient) Opener(req *StreamRequest) biz.StreamOpener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return c.OpenStream(ctx, req)
	}
}

package service

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenflow/copilot-stream/internal/copilot/biz"
	"github.com/zenflow/copilot-stream/internal/copilot/data"
	"github.com/zenflow/copilot-stream/internal/copilot/stream"
	"github.com/zenflow/copilot-stream/internal/copilot/types"
	apperrors "github.com/zenflow/copilot-stream/internal/pkg/errors"
	"github.com/zenflow/copilot-stream/internal/pkg/logger"
	"github.com/zenflow/copilot-stream/internal/pkg/response"
	"github.com/zenflow/copilot-stream/internal/pkg/sse"
)

const keepAliveInterval = 15 * time.Second

// ChatService exposes the streaming chat API. Progress is re-emitted to
// the caller over SSE: every batcher commit becomes one message_update
// event, so the wire traffic is already coalesced.
type ChatService struct {
	manager  *biz.Manager
	upstream *data.UpstreamClient
	hub      *sse.Hub
	log      *logger.Logger
}

// NewChatService creates the service
func NewChatService(manager *biz.Manager, upstream *data.UpstreamClient, hub *sse.Hub, log *logger.Logger) *ChatService {
	if log == nil {
		log = logger.L()
	}
	return &ChatService{
		manager:  manager,
		upstream: upstream,
		hub:      hub,
		log:      log,
	}
}

// RegisterRoutes mounts the chat endpoints
func (s *ChatService) RegisterRoutes(r *gin.RouterGroup) {
	chat := r.Group("/chat")
	{
		chat.POST("/stream", s.Stream)
		chat.POST("/abort", s.Abort)
		chat.GET("/:session_id/messages", s.Messages)
	}
}

// StreamRequest starts one streaming turn
type StreamRequest struct {
	SessionID    string             `json:"session_id"`
	Message      string             `json:"message"`
	Attachments  []types.Attachment `json:"attachments,omitempty"`
	Continuation bool               `json:"continuation,omitempty"`
}

// Stream handles POST /api/v1/chat/stream. The response is an SSE stream
// of message_update events; the turn runs in the background and keeps
// going even if the subscriber disconnects early.
func (s *ChatService) Stream(c *gin.Context) {
	var req StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if req.Message == "" && !req.Continuation {
		response.ErrorWithCode(c, apperrors.ErrInvalidParams, "message is required")
		return
	}

	session := s.manager.GetOrCreate(req.SessionID)
	if req.Message != "" {
		session.AddUserMessage(req.Message, req.Attachments)
	}

	resource := "chat:" + session.ID()
	session.SetOnCommit(func(updates []*stream.Update) {
		for _, u := range updates {
			s.hub.Broadcast(resource, sse.Event{Type: "message_update", Data: u})
		}
	})

	upReq := &data.StreamRequest{
		ChatID:       session.ChatID(),
		Messages:     session.Messages(),
		Continuation: req.Continuation,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Detached from the request context: a subscriber dropping off must
		// not kill the turn. The session's stream ceiling bounds it instead.
		var err error
		if req.Continuation {
			err = session.StreamContinuation(context.Background(), s.upstream.Opener(upReq))
		} else {
			err = session.Stream(context.Background(), s.upstream.Opener(upReq))
		}
		if err != nil {
			s.log.Warn("streaming turn failed",
				zap.String("session_id", session.ID()), zap.Error(err))
		}
		s.hub.Broadcast(resource, sse.Event{
			Type: "turn_end",
			Data: map[string]string{"state": string(session.State())},
		})
	}()

	client := &sse.Client{
		ID:       uuid.New().String(),
		Channel:  make(chan sse.Event, 64),
		Resource: resource,
	}
	sse.StreamResponse(c, client, s.hub, keepAliveInterval, done)
}

// AbortRequest cancels an in-flight turn
type AbortRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// Abort handles POST /api/v1/chat/abort
func (s *ChatService) Abort(c *gin.Context) {
	var req AbortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	session, ok := s.manager.Get(req.SessionID)
	if !ok {
		response.ErrorWithCode(c, apperrors.ErrSessionNotFound, req.SessionID)
		return
	}
	if session.State() != biz.TurnStreaming {
		response.ErrorWithCode(c, apperrors.ErrSessionNotStreaming, req.SessionID)
		return
	}

	session.Abort()
	response.Success(c, gin.H{"state": string(session.State())})
}

// Messages handles GET /api/v1/chat/:session_id/messages
func (s *ChatService) Messages(c *gin.Context) {
	sessionID := c.Param("session_id")
	session, ok := s.manager.Get(sessionID)
	if !ok {
		response.ErrorWithCode(c, apperrors.ErrSessionNotFound, sessionID)
		return
	}
	response.Success(c, gin.H{
		"session_id": session.ID(),
		"state":      string(session.State()),
		"messages":   session.Messages(),
	})
}

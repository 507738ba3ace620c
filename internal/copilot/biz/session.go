package biz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenflow/copilot-stream/internal/copilot/stream"
	"github.com/zenflow/copilot-stream/internal/copilot/tools"
	"github.com/zenflow/copilot-stream/internal/copilot/types"
	"github.com/zenflow/copilot-stream/internal/pkg/logger"
	"github.com/zenflow/copilot-stream/internal/pkg/workerpool"
)

// TurnState is the lifecycle of one streaming turn
type TurnState string

const (
	TurnIdle      TurnState = "idle"
	TurnStreaming TurnState = "streaming"
	TurnCompleted TurnState = "completed"
	TurnErrored   TurnState = "errored"
	TurnAborted   TurnState = "aborted"
)

// ToolCompletion is the record posted after a non-interrupt tool finishes
type ToolCompletion struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Status  int             `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ChatBackend persists completed turns and tool completions. Both calls are
// best-effort: the session logs failures and moves on.
type ChatBackend interface {
	UpdateChat(ctx context.Context, chatID string, messages []*types.Message) error
	MarkToolComplete(ctx context.Context, rec *ToolCompletion) error
}

// StreamOpener dials the upstream SSE stream. The session passes in a
// context carrying its abort cancellation and the hard stream ceiling, so a
// stuck read is eventually forced down.
type StreamOpener func(ctx context.Context) (io.ReadCloser, error)

// SessionConfig tunes one conversation's engine instance
type SessionConfig struct {
	// StreamTimeout is the last-resort ceiling on one streaming turn
	StreamTimeout time.Duration
	// PersistTimeout bounds best-effort persistence calls
	PersistTimeout time.Duration
	// Batcher tunes update coalescing
	Batcher stream.BatcherConfig
}

// DefaultSessionConfig returns the production defaults
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		StreamTimeout:  10 * time.Minute,
		PersistTimeout: 5 * time.Second,
		Batcher:        stream.DefaultBatcherConfig(),
	}
}

// Session owns one conversation: its message list, its tool-call state and
// the decoder → assembler → batcher pipeline of the in-flight turn. All
// mutable state is guarded by mu and only mutated through session methods.
type Session struct {
	mu sync.Mutex

	id       string
	chatID   string
	messages []*types.Message

	tracker  *tools.Tracker
	registry tools.Registry
	pool     *stream.BlockPool
	batcher  *stream.Batcher

	backend ChatBackend
	todos   stream.TodoMutator
	exec    *workerpool.Pool
	cfg     SessionConfig
	log     *logger.Logger

	state    TurnState
	asm      *stream.Assembler
	lastTurn *stream.TurnContext
	cancel   context.CancelFunc

	onCommit func(updates []*stream.Update)
}

// NewSession creates the engine instance for one conversation
func NewSession(id string, registry tools.Registry, backend ChatBackend, todos stream.TodoMutator, exec *workerpool.Pool, cfg SessionConfig, log *logger.Logger) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	if cfg.StreamTimeout <= 0 {
		cfg = DefaultSessionConfig()
	}
	if log == nil {
		log = logger.L()
	}
	s := &Session{
		id:       id,
		tracker:  tools.NewTracker(registry),
		registry: registry,
		pool:     stream.NewBlockPool(),
		backend:  backend,
		todos:    todos,
		exec:     exec,
		cfg:      cfg,
		log:      log.With(zap.String("session_id", id)),
		state:    TurnIdle,
	}
	s.batcher = stream.NewBatcher(cfg.Batcher, s.commitContexts, s.log)
	return s
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// ChatID returns the conversation id assigned by the upstream, falling back
// to the session id before one has been captured.
func (s *Session) ChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatID != "" {
		return s.chatID
	}
	return s.id
}

// State returns the current turn state
func (s *Session) State() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetOnCommit registers a hook invoked after every commit with the cloned
// updates. Used by the service layer to re-emit progress over SSE.
func (s *Session) SetOnCommit(fn func(updates []*stream.Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommit = fn
}

// Messages returns a snapshot of the committed message list
func (s *Session) Messages() []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ToolCall returns the tracked call for id, if any
func (s *Session) ToolCall(id string) (*types.ToolCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.tracker.Get(id)
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// AddUserMessage appends a user turn to the conversation
func (s *Session) AddUserMessage(text string, attachments []types.Attachment) *types.Message {
	msg := &types.Message{
		ID:          uuid.New().String(),
		Role:        types.RoleUser,
		Content:     text,
		Attachments: attachments,
		CreatedAt:   time.Now(),
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return msg
}

// Stream runs one streaming turn: it appends a placeholder assistant
// message, dials the upstream through open and drains events until the
// stream completes, errors, hits the ceiling or is aborted. Only one turn
// may be active; starting a new one first aborts the in-flight one.
func (s *Session) Stream(ctx context.Context, open StreamOpener) error {
	s.mu.Lock()
	if s.state == TurnStreaming {
		s.mu.Unlock()
		s.Abort()
		s.mu.Lock()
	}

	msg := &types.Message{
		ID:        uuid.New().String(),
		Role:      types.RoleAssistant,
		CreatedAt: time.Now(),
	}
	s.messages = append(s.messages, msg)
	tc := stream.NewTurnContext(msg.ID)
	turnCtx := s.beginTurnLocked(ctx, tc)
	s.mu.Unlock()

	return s.run(turnCtx, open, tc)
}

// StreamContinuation resumes filling the previous assistant message's
// context, used for implicit-feedback follow-ups. Falls back to a fresh
// turn when there is nothing to continue.
func (s *Session) StreamContinuation(ctx context.Context, open StreamOpener) error {
	s.mu.Lock()
	if s.state == TurnStreaming {
		s.mu.Unlock()
		s.Abort()
		s.mu.Lock()
	}
	tc := s.lastTurn
	if tc == nil {
		s.mu.Unlock()
		return s.Stream(ctx, open)
	}
	tc.Reopen()
	turnCtx := s.beginTurnLocked(ctx, tc)
	s.mu.Unlock()

	return s.run(turnCtx, open, tc)
}

// beginTurnLocked wires the assembler and turn context. Caller holds mu.
func (s *Session) beginTurnLocked(parent context.Context, tc *stream.TurnContext) context.Context {
	turnCtx, cancel := context.WithTimeout(parent, s.cfg.StreamTimeout)
	s.cancel = cancel

	asm := stream.NewAssembler(tc, s.tracker, s.registry, s.pool, s.log)
	asm.SetTodoMutator(s.todos)
	asm.OnAutoExec(func(call *types.ToolCall, def *tools.Definition) {
		s.scheduleToolExecution(turnCtx, call, def, tc)
	})
	s.asm = asm
	s.state = TurnStreaming
	return turnCtx
}

// run drains the decoded event sequence. The abort signal is checked once
// per event; an in-flight read is only forced down by the stream ceiling.
func (s *Session) run(ctx context.Context, open StreamOpener, tc *stream.TurnContext) error {
	body, err := open(ctx)
	if err != nil {
		return s.finalize(tc, fmt.Errorf("open upstream stream: %w", err))
	}
	defer body.Close()

	dec := stream.NewDecoder(body, s.log)
	var streamErr error

	for {
		if ctx.Err() != nil {
			break
		}
		ev, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				streamErr = err
			}
			break
		}

		s.mu.Lock()
		if s.state != TurnStreaming {
			// Aborted from another goroutine; abort already finalized.
			s.mu.Unlock()
			return nil
		}
		s.asm.Handle(ctx, ev)
		done := s.asm.Completed()
		s.mu.Unlock()

		s.batcher.Enqueue(tc)
		if done {
			break
		}
	}

	return s.finalize(tc, streamErr)
}

// finalize completes the turn. A timeout of the stream ceiling ends the
// turn as if the stream finished normally; a transport error finalizes
// with an inline error annotation.
func (s *Session) finalize(tc *stream.TurnContext, streamErr error) error {
	s.mu.Lock()
	if s.state != TurnStreaming {
		// Abort won the race and finalized already.
		s.mu.Unlock()
		return nil
	}
	if streamErr != nil {
		s.asm.FinishWithError(streamErr.Error())
		s.state = TurnErrored
	} else {
		s.asm.Finish()
		s.state = TurnCompleted
	}
	if cid := tc.ChatID(); cid != "" {
		s.chatID = cid
	}
	s.lastTurn = tc
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.batcher.FlushNow()
	s.persist()

	if streamErr != nil {
		s.log.Warn("turn finished with stream error", zap.Error(streamErr))
	}
	return streamErr
}

// Abort cancels the in-flight turn: the message freezes at its current
// textual content, every non-terminal tool call in the session is forced
// into aborted and the partial result is persisted best-effort.
func (s *Session) Abort() {
	s.mu.Lock()
	if s.state != TurnStreaming {
		s.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.asm.AbortFreeze()
	swept := s.tracker.AbortNonTerminal()
	tc := s.asm.Context()
	s.lastTurn = tc
	s.state = TurnAborted
	s.mu.Unlock()

	s.batcher.Enqueue(tc)
	s.batcher.FlushNow()
	s.persist()

	s.log.Info("turn aborted", zap.Int("tool_calls_swept", len(swept)))
}

// Close releases the session's resources. The last turn's working blocks
// go back to the pool; committed messages hold clones and are unaffected.
func (s *Session) Close() {
	s.Abort()
	s.mu.Lock()
	if s.lastTurn != nil {
		s.pool.Release(s.lastTurn.Blocks())
		s.lastTurn = nil
	}
	s.mu.Unlock()
	s.batcher.Close()
}

// --- commit path ---

// commitContexts is the batcher's commit callback. It snapshots each
// pending context under the session lock, then replaces the affected
// messages with shallow copies carrying freshly cloned block lists, so
// previously committed blocks are never mutated in place.
func (s *Session) commitContexts(pending map[string]*stream.TurnContext) {
	s.mu.Lock()
	updates := make([]*stream.Update, 0, len(pending))
	for _, tc := range pending {
		updates = append(updates, tc.Snapshot())
	}

	if len(updates) == 1 && len(s.messages) > 0 && s.messages[len(s.messages)-1].ID == updates[0].MessageID {
		// Common streaming case: single pending message at the tail.
		last := len(s.messages) - 1
		s.messages[last] = applyUpdate(s.messages[last], updates[0])
	} else {
		for i, m := range s.messages {
			for _, u := range updates {
				if u.MessageID == m.ID {
					s.messages[i] = applyUpdate(m, u)
				}
			}
		}
	}
	hook := s.onCommit
	s.mu.Unlock()

	if hook != nil {
		hook(updates)
	}
}

func applyUpdate(m *types.Message, u *stream.Update) *types.Message {
	next := *m
	next.Content = u.Content
	next.ContentBlocks = u.Blocks
	return &next
}

// --- tool execution ---

// scheduleToolExecution defers the pending → executing flip and the action
// itself onto the worker pool. Caller holds mu (invoked from within event
// handling), so the failure path mutates the tracker directly.
func (s *Session) scheduleToolExecution(turnCtx context.Context, call *types.ToolCall, def *tools.Definition, tc *stream.TurnContext) {
	// Make sure the pending state is committed before executing lands.
	s.batcher.Enqueue(tc)

	// Abort ignores the eventual result but never cancels a running action.
	execCtx := context.WithoutCancel(turnCtx)
	callID := call.ID
	callName := call.Name
	params := append(json.RawMessage(nil), call.Params...)

	task := func() {
		s.batcher.FlushNow()
		if !s.applyToolState(callID, types.ToolStateExecuting, tc) {
			// The call reached review/rejected (or was aborted) before the
			// deferred flip; the action must not run at all.
			return
		}

		res, err := safeExecute(execCtx, def.Action, params)

		s.mu.Lock()
		cur, ok := s.tracker.Get(callID)
		discard := !ok || cur.State.Terminal()
		s.mu.Unlock()
		if discard {
			// Reached review/rejected/background (or was aborted) while the
			// action ran; the auto-transition is dropped.
			return
		}

		next := types.ToolStateSuccess
		if err != nil || !res.OK() {
			next = types.ToolStateError
		}
		s.applyToolState(callID, next, tc)
		s.notifyToolComplete(callID, callName, next, res, err)
	}

	if err := s.exec.Submit(task); err != nil {
		s.log.Error("tool execution submit failed", zap.String("tool", callName), zap.Error(err))
		s.tracker.Transition(callID, types.ToolStateError)
	}
}

// applyToolState routes an executor-originated transition through the gate
// and surfaces it through the batcher. Returns whether the gate accepted.
func (s *Session) applyToolState(id string, next types.ToolState, tc *stream.TurnContext) bool {
	s.mu.Lock()
	changed := s.tracker.Transition(id, next)
	s.mu.Unlock()
	if changed {
		s.batcher.Enqueue(tc)
	}
	return changed
}

// safeExecute keeps action panics from escaping the executor
func safeExecute(ctx context.Context, action tools.Action, params json.RawMessage) (res *tools.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("tool action panic: %v", r)
		}
	}()
	return action.Execute(ctx, params)
}

// notifyToolComplete posts the completion record, best-effort
func (s *Session) notifyToolComplete(id, name string, state types.ToolState, res *tools.Result, execErr error) {
	if s.backend == nil {
		return
	}
	rec := &ToolCompletion{ID: id, Name: name, Status: 200}
	if res != nil {
		if res.Status != 0 {
			rec.Status = res.Status
		}
		rec.Message = res.Message
		rec.Data = res.Data
	}
	if state == types.ToolStateError {
		if rec.Status < 400 {
			rec.Status = 500
		}
		if execErr != nil && rec.Message == "" {
			rec.Message = execErr.Error()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.backend.MarkToolComplete(ctx, rec); err != nil {
		s.log.Warn("tool completion notify failed", zap.String("tool", name), zap.Error(err))
	}
}

// --- persistence ---

// persist sends the current message list to the chat backend, best-effort
func (s *Session) persist() {
	if s.backend == nil {
		return
	}
	chatID := s.ChatID()
	msgs := s.Messages()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.backend.UpdateChat(ctx, chatID, msgs); err != nil {
		s.log.Warn("chat update failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

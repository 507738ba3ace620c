package stream

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/zenflow/copilot-stream/internal/copilot/tools"
	"github.com/zenflow/copilot-stream/internal/copilot/types"
	"github.com/zenflow/copilot-stream/internal/pkg/logger"
)

// Literal thinking markers embedded in content events. These coexist with
// the explicit reasoning event path; both produce thinking blocks.
const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"
)

// tagHoldbackWindow is how far from the end of the carry-over buffer a '<'
// is still treated as a possibly split tag. Slightly longer than the
// longest marker minus its final byte.
const tagHoldbackWindow = len(thinkingCloseTag)

// Tools that mirror their success into the workflow todo list
const (
	toolCheckoffTodo       = "checkoff_todo"
	toolMarkTodoInProgress = "mark_todo_in_progress"
)

// Todo statuses written by the mirror tools
const (
	TodoStatusCompleted  = "completed"
	TodoStatusInProgress = "in_progress"
)

// TodoMutator updates the external todo list. Implemented by the data
// layer; a nil mutator disables the mirroring.
type TodoMutator interface {
	SetStatus(ctx context.Context, todoID, status string) error
}

// AutoExecFunc schedules the deferred execution of a non-interrupt tool.
// It must not run the action synchronously: the pending state has to be
// observable before the executing transition lands.
type AutoExecFunc func(call *types.ToolCall, def *tools.Definition)

// Assembler is the core state machine. It consumes decoded events for one
// turn and maintains the ordered content-block list on the turn context.
// All methods must be called from a single goroutine (the session event
// loop); the assembler itself holds no lock.
type Assembler struct {
	tc       *TurnContext
	tracker  *tools.Tracker
	registry tools.Registry
	pool     *BlockPool
	log      *logger.Logger

	todos      TodoMutator
	onAutoExec AutoExecFunc
}

// NewAssembler creates the assembler for one streaming turn
func NewAssembler(tc *TurnContext, tracker *tools.Tracker, registry tools.Registry, pool *BlockPool, log *logger.Logger) *Assembler {
	if log == nil {
		log = logger.L()
	}
	if pool == nil {
		pool = NewBlockPool()
	}
	return &Assembler{
		tc:       tc,
		tracker:  tracker,
		registry: registry,
		pool:     pool,
		log:      log,
	}
}

// SetTodoMutator wires the todo mirror
func (a *Assembler) SetTodoMutator(m TodoMutator) { a.todos = m }

// OnAutoExec wires the deferred tool execution hook
func (a *Assembler) OnAutoExec(fn AutoExecFunc) { a.onAutoExec = fn }

// Context returns the turn context the assembler mutates
func (a *Assembler) Context() *TurnContext { return a.tc }

// Completed reports whether a completion signal has been processed
func (a *Assembler) Completed() bool { return a.tc.completed }

// Handle dispatches one decoded event into the state machine. Once the
// turn has completed, only further completion signals are acknowledged;
// anything else arriving late is dropped.
func (a *Assembler) Handle(ctx context.Context, ev *types.Event) {
	if a.tc.completed && ev.Type != types.EventDone && ev.Type != types.EventStreamEnd {
		return
	}
	switch ev.Type {
	case types.EventContent:
		a.handleContent(ev.Text())
	case types.EventReasoning:
		a.handleReasoning(ev)
	case types.EventToolGenerating:
		a.handleToolGenerating(ev)
	case types.EventToolCall:
		a.handleToolCall(ev)
	case types.EventToolResult:
		a.handleToolOutcome(ctx, ev, types.ToolStateSuccess)
	case types.EventToolError:
		a.handleToolOutcome(ctx, ev, types.ToolStateError)
	case types.EventChatID:
		if a.tc.chatID == "" {
			a.tc.chatID = ev.Text()
		}
	case types.EventDone, types.EventStreamEnd:
		a.handleCompletion()
	case types.EventError:
		a.handleError(ev)
	default:
		a.log.Debug("ignoring unknown stream event", zap.String("type", string(ev.Type)))
	}
}

// Finish treats the end of the byte stream as a completion signal, for
// upstreams that close the connection without an explicit done event.
func (a *Assembler) Finish() {
	a.handleCompletion()
}

// FinishWithError finalizes the turn with an inline error annotation,
// keeping whatever partial content already exists.
func (a *Assembler) FinishWithError(msg string) {
	a.handleError(&types.Event{Type: types.EventError, Error: msg})
}

// AbortFreeze freezes the turn at its current textual content: the
// carry-over buffer is dropped, the flat text is trimmed and any open
// thinking block is sealed. Tool state is swept separately by the session.
func (a *Assembler) AbortFreeze() {
	tc := a.tc
	tc.pending = ""
	a.sealThinking()
	tc.curText = nil
	frozen := strings.TrimSpace(tc.content.String())
	tc.content.Reset()
	tc.content.WriteString(frozen)
	tc.completed = true
}

// --- content and thinking ---

// handleContent runs the tag-scanning loop over the carry-over buffer.
// Every iteration either consumes part of the buffer or returns to wait
// for more input, so the loop is bounded.
func (a *Assembler) handleContent(fragment string) {
	tc := a.tc
	tc.pending += fragment

	for tc.pending != "" {
		if tc.inThinkingTag {
			idx := strings.Index(tc.pending, thinkingCloseTag)
			if idx < 0 {
				// Keep a possibly split closing tag in the buffer and wait
				// for more data.
				if hold := holdbackIndex(tc.pending); hold >= 0 {
					a.appendThinking(tc.pending[:hold])
					tc.pending = tc.pending[hold:]
				} else {
					a.appendThinking(tc.pending)
					tc.pending = ""
				}
				return
			}
			a.appendThinking(tc.pending[:idx])
			a.sealThinking()
			tc.inThinkingTag = false
			tc.pending = tc.pending[idx+len(thinkingCloseTag):]
			continue
		}

		if idx := strings.Index(tc.pending, thinkingOpenTag); idx >= 0 {
			if idx > 0 {
				a.appendText(tc.pending[:idx])
			}
			a.openThinking()
			tc.inThinkingTag = true
			tc.pending = tc.pending[idx+len(thinkingOpenTag):]
			continue
		}

		// No tag found. Hold back a trailing suffix that may be the start
		// of a tag split across chunk boundaries; flush the rest.
		hold := holdbackIndex(tc.pending)
		if hold >= 0 {
			a.appendText(tc.pending[:hold])
			tc.pending = tc.pending[hold:]
		} else {
			a.appendText(tc.pending)
			tc.pending = ""
		}
		return
	}
}

// holdbackIndex returns the index of a trailing '<' that could begin a
// split thinking marker, or -1 when the whole buffer is safe to flush.
func holdbackIndex(s string) int {
	idx := strings.LastIndexByte(s, '<')
	if idx < 0 || len(s)-idx > tagHoldbackWindow {
		return -1
	}
	suffix := s[idx:]
	if strings.HasPrefix(thinkingOpenTag, suffix) || strings.HasPrefix(thinkingCloseTag, suffix) {
		return idx
	}
	return -1
}

func (a *Assembler) handleReasoning(ev *types.Event) {
	switch ev.Phase {
	case types.PhaseStart:
		a.openThinking()
		a.tc.inReasoning = true
	case types.PhaseEnd:
		a.sealThinking()
		a.tc.inReasoning = false
	default:
		// Chunk without an explicit phase. Some providers never send the
		// start marker, so open a block on demand.
		a.appendThinking(ev.Text())
	}
}

// appendText appends to the open text block, opening one if needed. Opening
// a text block seals any open thinking block.
func (a *Assembler) appendText(s string) {
	if s == "" {
		return
	}
	tc := a.tc
	if tc.curText == nil {
		a.sealThinking()
		b := a.pool.Get()
		b.Type = types.BlockText
		b.Timestamp = now()
		tc.blocks = append(tc.blocks, b)
		tc.curText = b
	}
	tc.curText.Content += s
	tc.content.WriteString(s)
}

// openThinking seals the open text block and starts a fresh thinking block
func (a *Assembler) openThinking() {
	tc := a.tc
	a.sealThinking()
	tc.curText = nil
	b := a.pool.Get()
	b.Type = types.BlockThinking
	b.Timestamp = now()
	b.StartTime = b.Timestamp
	tc.blocks = append(tc.blocks, b)
	tc.curThinking = b
}

func (a *Assembler) appendThinking(s string) {
	if a.tc.curThinking == nil {
		a.openThinking()
	}
	if s != "" {
		a.tc.curThinking.Content += s
	}
}

// sealThinking stamps the duration on the open thinking block, after which
// the block is never mutated again.
func (a *Assembler) sealThinking() {
	tc := a.tc
	if tc.curThinking == nil {
		return
	}
	d := now().Sub(tc.curThinking.StartTime).Milliseconds()
	if d < 0 {
		d = 0
	}
	tc.curThinking.DurationMS = &d
	tc.curThinking = nil
}

// appendToolBlock seals any open text/thinking block and appends a block
// embedding the tracked call. Block and tracker share the *ToolCall, so a
// transition is visible in both places.
func (a *Assembler) appendToolBlock(call *types.ToolCall) {
	tc := a.tc
	a.sealThinking()
	tc.curText = nil
	b := a.pool.Get()
	b.Type = types.BlockToolCall
	b.Timestamp = now()
	b.ToolCall = call
	tc.blocks = append(tc.blocks, b)
}

// --- tool events ---

func (a *Assembler) handleToolGenerating(ev *types.Event) {
	d, err := ev.ToolCallData()
	if err != nil {
		a.log.Warn("dropping malformed tool_generating event", zap.Error(err))
		return
	}
	call, created := a.tracker.Upsert(d.ID, d.Name, nil, types.ToolStatePending)
	if created {
		a.appendToolBlock(call)
	}
}

func (a *Assembler) handleToolCall(ev *types.Event) {
	d, err := ev.ToolCallData()
	if err != nil {
		a.log.Warn("dropping malformed tool_call event", zap.Error(err))
		return
	}

	call, created := a.tracker.Upsert(d.ID, d.Name, d.Arguments, types.ToolStatePending)
	if created {
		a.appendToolBlock(call)
	} else {
		a.tracker.Transition(d.ID, types.ToolStatePending)
	}

	def, ok := a.registry.Lookup(call.Name)
	if ok && def.AutoExecutes() && a.onAutoExec != nil {
		a.onAutoExec(call, def)
	}
}

// handleToolOutcome applies a tool_result or tool_error event. A dependency
// failure or explicit skip maps to rejected instead of the base state; the
// transition gate keeps any already-terminal call untouched.
func (a *Assembler) handleToolOutcome(ctx context.Context, ev *types.Event, base types.ToolState) {
	d, err := ev.ToolResultData()
	if err != nil {
		a.log.Warn("dropping malformed tool outcome event",
			zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	target := base
	if d.Skipped || d.DependencyFailed {
		target = types.ToolStateRejected
	}

	call, created := a.tracker.Upsert(d.ID, d.Name, nil, target)
	applied := created
	if !created {
		applied = a.tracker.Transition(d.ID, target)
	}
	if created {
		// Outcome for a call we never saw start; keep it renderable anyway.
		a.appendToolBlock(call)
	}

	if applied && target == types.ToolStateSuccess {
		a.mirrorTodoStatus(ctx, call, d)
	}
}

// mirrorTodoStatus reflects the two todo tools' success into the external
// todo list, best-effort.
func (a *Assembler) mirrorTodoStatus(ctx context.Context, call *types.ToolCall, d *types.ToolResultData) {
	if a.todos == nil {
		return
	}
	var status string
	switch call.Name {
	case toolCheckoffTodo:
		status = TodoStatusCompleted
	case toolMarkTodoInProgress:
		status = TodoStatusInProgress
	default:
		return
	}

	todoID := gjson.GetBytes(d.Data, "todo_id").String()
	if todoID == "" {
		todoID = gjson.GetBytes(call.Params, "todo_id").String()
	}
	if todoID == "" {
		a.log.Warn("todo tool result carries no todo_id", zap.String("tool", call.Name))
		return
	}
	if err := a.todos.SetStatus(ctx, todoID, status); err != nil {
		a.log.Warn("todo status update failed",
			zap.String("todo_id", todoID),
			zap.String("status", status),
			zap.Error(err))
	}
}

// --- completion ---

// handleCompletion processes a done/stream_end signal. The first signal
// completes the turn; later ones only bump the counter.
func (a *Assembler) handleCompletion() {
	tc := a.tc
	tc.doneSignals++
	if tc.completed {
		return
	}

	if tc.pending != "" {
		if tc.inThinkingTag {
			// Opening tag never closed: the remainder is thinking content.
			a.appendThinking(tc.pending)
		} else if strings.TrimSpace(tc.pending) != "" {
			a.appendText(tc.pending)
		}
		tc.pending = ""
	}

	a.sealThinking()
	tc.curText = nil
	tc.completed = true
}

func (a *Assembler) handleError(ev *types.Event) {
	tc := a.tc
	if tc.completed {
		return
	}
	msg := ev.Error
	if msg == "" {
		msg = ev.Text()
	}
	if msg == "" {
		msg = "stream failed"
	}

	a.sealThinking()
	tc.curText = nil
	a.appendText("Error: " + msg)
	tc.curText = nil
	tc.pending = ""
	tc.completed = true
}

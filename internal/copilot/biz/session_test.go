package biz

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zenflow/copilot-stream/internal/copilot/stream"
	"github.com/zenflow/copilot-stream/internal/copilot/tools"
	"github.com/zenflow/copilot-stream/internal/copilot/types"
	"github.com/zenflow/copilot-stream/internal/pkg/workerpool"
)

type fakeBackend struct {
	mu          sync.Mutex
	updates     int
	lastChatID  string
	lastMsgs    []*types.Message
	completions []*ToolCompletion
}

func (f *fakeBackend) UpdateChat(_ context.Context, chatID string, messages []*types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	f.lastChatID = chatID
	f.lastMsgs = messages
	return nil
}

func (f *fakeBackend) MarkToolComplete(_ context.Context, rec *ToolCompletion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, rec)
	return nil
}

func (f *fakeBackend) snapshot() (int, string, []*types.Message, []*ToolCompletion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates, f.lastChatID, f.lastMsgs, append([]*ToolCompletion(nil), f.completions...)
}

func sseScript(events ...string) string {
	var sb strings.Builder
	for _, e := range events {
		sb.WriteString("data: ")
		sb.WriteString(e)
		sb.WriteString("\n")
	}
	return sb.String()
}

func scriptOpener(script string) StreamOpener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(script)), nil
	}
}

func newTestSession(t *testing.T, reg tools.Registry, backend ChatBackend) *Session {
	t.Helper()
	pool, err := workerpool.New(2, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	cfg := DefaultSessionConfig()
	cfg.Batcher = stream.BatcherConfig{
		MinInterval: time.Millisecond,
		MaxInterval: 5 * time.Millisecond,
		MaxPending:  5,
	}
	if reg == nil {
		reg = tools.NewStaticRegistry()
	}
	s := NewSession("s1", reg, backend, nil, pool, cfg, nil)
	t.Cleanup(s.Close)
	return s
}

func TestSessionStreamBasic(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestSession(t, nil, backend)
	s.AddUserMessage("hi", nil)

	script := sseScript(
		`{"type":"chat_id","data":"c-9"}`,
		`{"type":"content","data":"Hello, "}`,
		`{"type":"content","data":"world"}`,
		`{"type":"done"}`,
	)
	require.NoError(t, s.Stream(context.Background(), scriptOpener(script)))

	assert.Equal(t, TurnCompleted, s.State())
	assert.Equal(t, "c-9", s.ChatID())

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello, world", msgs[1].Content)
	require.Len(t, msgs[1].ContentBlocks, 1)
	assert.Equal(t, "Hello, world", msgs[1].ContentBlocks[0].Content)

	updates, chatID, persisted, _ := backend.snapshot()
	assert.GreaterOrEqual(t, updates, 1)
	assert.Equal(t, "c-9", chatID)
	require.Len(t, persisted, 2)
}

func TestSessionThinkingBlocks(t *testing.T) {
	s := newTestSession(t, nil, &fakeBackend{})

	script := sseScript(
		`{"type":"content","data":"<thinking>pondering</thinking>"}`,
		`{"type":"content","data":"answer"}`,
		`{"type":"done"}`,
	)
	require.NoError(t, s.Stream(context.Background(), scriptOpener(script)))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	blocks := msgs[0].ContentBlocks
	require.Len(t, blocks, 2)
	assert.Equal(t, types.BlockThinking, blocks[0].Type)
	assert.Equal(t, "pondering", blocks[0].Content)
	require.NotNil(t, blocks[0].DurationMS)
	assert.Equal(t, "answer", msgs[0].Content, "thinking never reaches flat content")
}

func TestSessionStreamErrorAnnotates(t *testing.T) {
	s := newTestSession(t, nil, &fakeBackend{})

	failing := func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(&failingReader{
			data: sseScript(`{"type":"content","data":"partial"}`),
			err:  errors.New("connection reset"),
		}), nil
	}

	err := s.Stream(context.Background(), failing)
	require.Error(t, err)
	assert.Equal(t, TurnErrored, s.State())

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "partial")
	assert.Contains(t, msgs[0].Content, "Error: ")
}

// failingReader yields its data, then a terminal non-EOF error
type failingReader struct {
	data string
	err  error
	off  int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, r.err
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

func TestSessionOpenFailure(t *testing.T) {
	s := newTestSession(t, nil, &fakeBackend{})

	err := s.Stream(context.Background(), func(ctx context.Context) (io.ReadCloser, error) {
		return nil, errors.New("dial refused")
	})
	require.Error(t, err)
	assert.Equal(t, TurnErrored, s.State())
}

func TestSessionAbort(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestSession(t, nil, backend)
	s.AddUserMessage("go", nil)

	pr, pw := io.Pipe()
	opener := func(ctx context.Context) (io.ReadCloser, error) { return pr, nil }

	done := make(chan error, 1)
	go func() { done <- s.Stream(context.Background(), opener) }()

	_, err := pw.Write([]byte(sseScript(
		`{"type":"content","data":"Keep this "}`,
		`{"type":"tool_call","data":{"id":"t1","name":"run_query"}}`,
	)))
	require.NoError(t, err)

	// Wait for the partial content to land in the committed list.
	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 2 && strings.Contains(msgs[1].Content, "Keep this")
	}, time.Second, 2*time.Millisecond)

	s.Abort()
	assert.Equal(t, TurnAborted, s.State())

	// The in-flight tool call was swept into aborted.
	call, ok := s.ToolCall("t1")
	require.True(t, ok)
	assert.Equal(t, types.ToolStateAborted, call.State)

	// Frozen content is trimmed and stays visible.
	msgs := s.Messages()
	assert.Equal(t, "Keep this", msgs[1].Content)

	updates, _, _, _ := backend.snapshot()
	assert.GreaterOrEqual(t, updates, 1, "abort persists the partial turn")

	pw.CloseWithError(io.ErrClosedPipe)
	require.NoError(t, <-done, "reader goroutine yields to the abort")
}

func TestSessionAutoExecution(t *testing.T) {
	backend := &fakeBackend{}
	executed := make(chan json.RawMessage, 1)

	reg := tools.NewStaticRegistry(&tools.Definition{
		Name: "fetch_data",
		Action: tools.ActionFunc(func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			executed <- params
			return &tools.Result{Status: 200, Message: "ok"}, nil
		}),
	})
	s := newTestSession(t, reg, backend)

	script := sseScript(
		`{"type":"tool_call","data":{"id":"t1","name":"fetch_data","arguments":{"limit":5}}}`,
		`{"type":"done"}`,
	)
	require.NoError(t, s.Stream(context.Background(), scriptOpener(script)))

	select {
	case params := <-executed:
		assert.JSONEq(t, `{"limit":5}`, string(params))
	case <-time.After(time.Second):
		t.Fatal("action was never executed")
	}

	require.Eventually(t, func() bool {
		call, ok := s.ToolCall("t1")
		return ok && call.State == types.ToolStateSuccess
	}, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		_, _, _, completions := backend.snapshot()
		return len(completions) == 1
	}, time.Second, 2*time.Millisecond)
	_, _, _, completions := backend.snapshot()
	assert.Equal(t, "t1", completions[0].ID)
	assert.Equal(t, 200, completions[0].Status)
}

func TestSessionAutoExecutionFailure(t *testing.T) {
	reg := tools.NewStaticRegistry(&tools.Definition{
		Name: "explode",
		Action: tools.ActionFunc(func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			panic("boom")
		}),
	})
	s := newTestSession(t, reg, &fakeBackend{})

	script := sseScript(
		`{"type":"tool_call","data":{"id":"t1","name":"explode"}}`,
		`{"type":"done"}`,
	)
	require.NoError(t, s.Stream(context.Background(), scriptOpener(script)))

	require.Eventually(t, func() bool {
		call, ok := s.ToolCall("t1")
		return ok && call.State == types.ToolStateError
	}, time.Second, 2*time.Millisecond)
}

func TestSessionToolRejectedBeforeExecution(t *testing.T) {
	executed := make(chan struct{}, 1)
	reg := tools.NewStaticRegistry(&tools.Definition{
		Name: "fetch_data",
		Action: tools.ActionFunc(func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			executed <- struct{}{}
			return &tools.Result{Status: 200}, nil
		}),
	})
	s := newTestSession(t, reg, &fakeBackend{})
	def, ok := reg.Lookup("fetch_data")
	require.True(t, ok)

	// The call is rejected before the deferred executing flip runs, so the
	// side-effecting action must never start.
	tc := stream.NewTurnContext("m1")
	s.mu.Lock()
	call, _ := s.tracker.Upsert("t1", "fetch_data", nil, types.ToolStatePending)
	require.True(t, s.tracker.Transition("t1", types.ToolStateRejected))
	s.scheduleToolExecution(context.Background(), call, def, tc)
	s.mu.Unlock()

	select {
	case <-executed:
		t.Fatal("action ran for a call already in a terminal state")
	case <-time.After(50 * time.Millisecond):
	}

	got, ok := s.ToolCall("t1")
	require.True(t, ok)
	assert.Equal(t, types.ToolStateRejected, got.State)
}

func TestSessionInterruptToolWaits(t *testing.T) {
	reg := tools.NewStaticRegistry(&tools.Definition{
		Name:         "run_query",
		HasInterrupt: true,
		Action: tools.ActionFunc(func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			t.Error("interrupt tool must not auto-execute")
			return nil, nil
		}),
	})
	s := newTestSession(t, reg, &fakeBackend{})

	script := sseScript(
		`{"type":"tool_call","data":{"id":"t1","name":"run_query"}}`,
		`{"type":"done"}`,
	)
	require.NoError(t, s.Stream(context.Background(), scriptOpener(script)))

	call, ok := s.ToolCall("t1")
	require.True(t, ok)
	assert.Equal(t, types.ToolStatePending, call.State)
}

func TestSessionContinuation(t *testing.T) {
	s := newTestSession(t, nil, &fakeBackend{})
	s.AddUserMessage("start", nil)

	first := sseScript(`{"type":"content","data":"part one."}`, `{"type":"done"}`)
	require.NoError(t, s.Stream(context.Background(), scriptOpener(first)))
	require.Len(t, s.Messages(), 2)

	second := sseScript(`{"type":"content","data":" part two."}`, `{"type":"done"}`)
	require.NoError(t, s.StreamContinuation(context.Background(), scriptOpener(second)))

	// The continuation fills the same assistant message instead of adding
	// a new one.
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "part one. part two.", msgs[1].Content)
}

func TestSessionCommitHookGetsClones(t *testing.T) {
	s := newTestSession(t, nil, &fakeBackend{})

	var mu sync.Mutex
	var got []*stream.Update
	s.SetOnCommit(func(updates []*stream.Update) {
		mu.Lock()
		got = append(got, updates...)
		mu.Unlock()
	})

	script := sseScript(`{"type":"content","data":"hello"}`, `{"type":"done"}`)
	require.NoError(t, s.Stream(context.Background(), scriptOpener(script)))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, "hello", last.Content)
	assert.True(t, last.Completed)

	// Committed blocks are clones, distinct from the working set.
	working := s.Messages()[0].ContentBlocks
	for _, u := range got {
		for _, b := range u.Blocks {
			for _, w := range working {
				assert.NotSame(t, w, b)
			}
		}
	}
}

func TestManagerSessionLifecycle(t *testing.T) {
	pool, err := workerpool.New(2, zap.NewNop())
	require.NoError(t, err)
	defer pool.Release()

	m := NewManager(tools.NewStaticRegistry(), &fakeBackend{}, nil, pool, DefaultSessionConfig(), nil)
	defer m.Close()

	s1 := m.GetOrCreate("a")
	assert.Same(t, s1, m.GetOrCreate("a"))

	s2 := m.GetOrCreate("")
	assert.NotSame(t, s1, s2)
	assert.NotEmpty(t, s2.ID())

	got, ok := m.Get(s2.ID())
	require.True(t, ok)
	assert.Same(t, s2, got)

	m.Remove("a")
	_, ok = m.Get("a")
	assert.False(t, ok)
}

package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/zenflow/copilot-stream/internal/copilot/types"
)

// Result is the outcome of a tool action, shaped like an HTTP response so
// the success predicate stays trivial.
type Result struct {
	Status  int             `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the result counts as a success. A nil result and a
// zero status both count, so actions without a meaningful status code do
// not need to fake one.
func (r *Result) OK() bool {
	if r == nil || r.Status == 0 {
		return true
	}
	return r.Status >= 200 && r.Status < 300
}

// Action is the executable capability of a tool. Implementations may block
// on arbitrary I/O; the executor awaits them off the event loop.
type Action interface {
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// ActionFunc adapts a plain function to the Action interface
type ActionFunc func(ctx context.Context, params json.RawMessage) (*Result, error)

func (f ActionFunc) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	return f(ctx, params)
}

// Definition describes one tool known to the panel. Display holds per-state
// label metadata; a tool without an entry for the current state falls back
// through the preference order in ResolveDisplay. A tool with HasInterrupt
// set waits for the user; otherwise a non-nil Action is auto-executed as
// soon as its arguments are complete.
type Definition struct {
	Name         string
	HasInterrupt bool
	Action       Action
	Display      map[types.ToolState]types.ToolDisplay
	Outputs      []string

	// OnStateChange, when set, is invoked synchronously on every accepted
	// transition for calls of this tool.
	OnStateChange func(id string, state types.ToolState)
}

// AutoExecutes reports whether the definition opts into auto-execution
func (d *Definition) AutoExecutes() bool {
	return d != nil && !d.HasInterrupt && d.Action != nil
}

// Registry resolves tool definitions by machine name
type Registry interface {
	Lookup(name string) (*Definition, bool)
}

// StaticRegistry is a fixed, concurrency-safe Registry
type StaticRegistry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewStaticRegistry creates a registry pre-populated with defs
func NewStaticRegistry(defs ...*Definition) *StaticRegistry {
	r := &StaticRegistry{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		r.defs[d.Name] = d
	}
	return r
}

// Register adds or replaces a definition
func (r *StaticRegistry) Register(d *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Name] = d
}

// Lookup implements Registry
func (r *StaticRegistry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

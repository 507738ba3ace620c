package tools

import (
	"encoding/json"

	"github.com/zenflow/copilot-stream/internal/copilot/types"
)

// CanTransition is the gate consulted by every mutation site. It rejects
// any transition out of a terminal state and the two downgrades that event
// reordering can otherwise produce. Equal states are reported as not a
// transition at all, so callers treat them as a no-op rather than an error.
func CanTransition(from, to types.ToolState) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	// Downgrades caused by late-arriving earlier-phase events
	if from == types.ToolStateExecuting && to == types.ToolStatePending {
		return false
	}
	if from == types.ToolStatePending && to == types.ToolStateGenerating {
		return false
	}
	return true
}

// Tracker is the per-session lookup map for tool calls, keyed by id. It is
// the source of truth for cross-cutting consumers; content blocks embed the
// same *ToolCall values so an accepted transition is visible in both places.
// The tracker itself is not synchronized: the owning session serializes all
// mutations behind its own lock.
type Tracker struct {
	calls    map[string]*types.ToolCall
	order    []string
	registry Registry
}

// NewTracker creates an empty tracker backed by the given registry
func NewTracker(registry Registry) *Tracker {
	return &Tracker{
		calls:    make(map[string]*types.ToolCall),
		registry: registry,
	}
}

// Get returns the call with the given id
func (t *Tracker) Get(id string) (*types.ToolCall, bool) {
	c, ok := t.calls[id]
	return c, ok
}

// Len returns the number of tracked calls
func (t *Tracker) Len() int {
	return len(t.calls)
}

// Upsert returns the existing call for id, merging in any newly resolved
// arguments, or registers a new call in the given initial state. Existing
// fields are preserved; params are only overwritten when the event actually
// carries them.
func (t *Tracker) Upsert(id, name string, params json.RawMessage, initial types.ToolState) (*types.ToolCall, bool) {
	if c, ok := t.calls[id]; ok {
		if name != "" && c.Name == "" {
			c.Name = name
		}
		if len(params) > 0 {
			c.Params = append(json.RawMessage(nil), params...)
			c.Display = ResolveDisplay(t.registry, c.Name, c.State, c.ID, c.Params)
		}
		return c, false
	}

	c := &types.ToolCall{
		ID:     id,
		Name:   name,
		State:  initial,
		Params: append(json.RawMessage(nil), params...),
	}
	c.Display = ResolveDisplay(t.registry, name, initial, id, c.Params)
	t.calls[id] = c
	t.order = append(t.order, id)
	return c, true
}

// Transition applies the gate and, when accepted, updates the call state,
// recomputes its display and fires the tool's state-change callback.
// Returns false when the transition was rejected or a no-op.
func (t *Tracker) Transition(id string, next types.ToolState) bool {
	c, ok := t.calls[id]
	if !ok {
		return false
	}
	if !CanTransition(c.State, next) {
		return false
	}
	c.State = next
	c.Display = ResolveDisplay(t.registry, c.Name, next, c.ID, c.Params)
	if def, ok := t.registry.Lookup(c.Name); ok && def.OnStateChange != nil {
		def.OnStateChange(c.ID, next)
	}
	return true
}

// AbortNonTerminal forces every call that has not reached a terminal state
// into aborted, returning the ids that changed. Used by the abort sweep.
func (t *Tracker) AbortNonTerminal() []string {
	var swept []string
	for _, id := range t.order {
		if t.Transition(id, types.ToolStateAborted) {
			swept = append(swept, id)
		}
	}
	return swept
}

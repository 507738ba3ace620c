package tools

import (
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/zenflow/copilot-stream/internal/copilot/types"
)

// displayFallback is the preference order searched when a tool's metadata
// table has no entry for the exact current state.
var displayFallback = []types.ToolState{
	types.ToolStateGenerating,
	types.ToolStateExecuting,
	types.ToolStateReview,
	types.ToolStateSuccess,
	types.ToolStateError,
	types.ToolStateRejected,
}

// DefaultIcon is used when a tool supplies no icon of its own
const DefaultIcon = "tool"

// ResolveDisplay resolves the human-displayable label and icon for a tool
// call in the given state. Lookup order: exact state in the tool's metadata
// table, then the fallback preference list, then a label synthesized from
// the machine name. Pure and deterministic for a given registry snapshot.
func ResolveDisplay(registry Registry, name string, state types.ToolState, id string, params json.RawMessage) *types.ToolDisplay {
	if registry != nil {
		if def, ok := registry.Lookup(name); ok && def.Display != nil {
			if d, ok := def.Display[state]; ok {
				return render(d, params)
			}
			for _, s := range displayFallback {
				if d, ok := def.Display[s]; ok {
					return render(d, params)
				}
			}
		}
	}
	return &types.ToolDisplay{Text: Humanize(name), Icon: DefaultIcon}
}

// render fills {field} placeholders in the display text from the call's
// params JSON. Unresolvable placeholders are left as-is.
func render(d types.ToolDisplay, params json.RawMessage) *types.ToolDisplay {
	out := d
	if out.Icon == "" {
		out.Icon = DefaultIcon
	}
	if len(params) == 0 || !strings.ContainsRune(out.Text, '{') {
		return &out
	}

	var sb strings.Builder
	text := out.Text
	for {
		open := strings.IndexByte(text, '{')
		if open < 0 {
			sb.WriteString(text)
			break
		}
		end := strings.IndexByte(text[open:], '}')
		if end < 0 {
			sb.WriteString(text)
			break
		}
		end += open
		sb.WriteString(text[:open])
		field := text[open+1 : end]
		if v := gjson.GetBytes(params, field); v.Exists() {
			sb.WriteString(v.String())
		} else {
			sb.WriteString(text[open : end+1])
		}
		text = text[end+1:]
	}
	out.Text = sb.String()
	return &out
}

// Humanize turns a machine tool name like "search_workflow_nodes" into
// "Search Workflow Nodes".
func Humanize(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
	if len(words) == 0 {
		// Empty or separators only.
		return "Tool"
	}
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

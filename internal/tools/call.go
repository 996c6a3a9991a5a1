package tools

import (
	"encoding/json"
	"strings"

	"github.com/nugget/steploop/internal/llm"
)

// Request is one tool request as a provider delivered it. It is either
// a [Record] (native tool calling) or a [Loose] mapping recovered from
// free text. Requests are resolved to a [Call] by [Normalize] and
// nothing past that point looks at the original shape.
type Request interface {
	isRequest()
}

// Record is a structured tool call from a provider's native tool
// calling.
type Record llm.ToolCall

// Loose is a tool call written as a free-form object. Vendors disagree
// on key names: the tool may be under name, tool_name, or tool and its
// arguments under args, input, or arguments.
type Loose map[string]any

func (Record) isRequest() {}
func (Loose) isRequest()  {}

var (
	nameKeys = []string{"name", "tool_name", "tool"}
	argsKeys = []string{"args", "input", "arguments"}
)

// Call is the canonical form every request is reduced to.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Normalize resolves a request to a Call. Arguments given as a string
// are decoded as JSON when they hold an object; any other string is
// passed through as {"input": <string>}. Missing arguments become an
// empty map.
func Normalize(req Request) Call {
	switch r := req.(type) {
	case Record:
		c := Call{ID: r.ID, Name: strings.TrimSpace(r.Function.Name)}
		switch {
		case r.Function.Arguments != nil:
			c.Args = r.Function.Arguments
		case r.Function.RawArguments != "":
			c.Args = decodeArgs(r.Function.RawArguments)
		default:
			c.Args = map[string]any{}
		}
		return c

	case Loose:
		c := Call{Args: map[string]any{}}
		if id, ok := r["id"].(string); ok {
			c.ID = id
		}
		for _, k := range nameKeys {
			if s, ok := r[k].(string); ok && strings.TrimSpace(s) != "" {
				c.Name = strings.TrimSpace(s)
				break
			}
		}
		for _, k := range argsKeys {
			v, ok := r[k]
			if !ok || v == nil {
				continue
			}
			switch a := v.(type) {
			case map[string]any:
				c.Args = a
			case string:
				c.Args = decodeArgs(a)
			default:
				c.Args = map[string]any{"input": a}
			}
			break
		}
		return c
	}
	return Call{Args: map[string]any{}}
}

func decodeArgs(raw string) map[string]any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(trimmed), &m); err == nil && m != nil {
		return m
	}
	return map[string]any{"input": raw}
}

// FromResponse collects the tool requests in a model response: native
// calls first, then loose ones, in the order the model produced them.
func FromResponse(resp *llm.ChatResponse) []Request {
	if resp == nil {
		return nil
	}
	reqs := make([]Request, 0, resp.ToolCallCount())
	for _, tc := range resp.Message.ToolCalls {
		reqs = append(reqs, Record(tc))
	}
	for _, m := range resp.LooseToolCalls {
		reqs = append(reqs, Loose(m))
	}
	return reqs
}

// NormalizeAll normalizes each request in order.
func NormalizeAll(reqs []Request) []Call {
	calls := make([]Call, len(reqs))
	for i, r := range reqs {
		calls[i] = Normalize(r)
	}
	return calls
}

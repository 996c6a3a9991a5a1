// Package tools registers the tools a task may call, normalizes the
// tool requests models produce, and runs them.
//
// Every tool is invoked through one contract, [Invoker]. Blocking
// implementations and channel-returning implementations are both
// adapted to it when the tool is registered, so the executor never
// branches on how a tool was written.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Invoker runs a tool with normalized arguments.
type Invoker interface {
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// AsyncInvoker is implemented by tools with a native asynchronous path.
// When a registered Invoker also implements AsyncInvoker, the
// asynchronous path is used.
type AsyncInvoker interface {
	InvokeAsync(ctx context.Context, args map[string]any) <-chan Outcome
}

// Outcome is the single value an asynchronous tool delivers.
type Outcome struct {
	Value any
	Err   error
}

// SyncFunc adapts a blocking function. Each call runs on its own
// goroutine and the caller stops waiting when ctx is done, so a slow
// tool cannot hold the loop past cancellation.
type SyncFunc func(ctx context.Context, args map[string]any) (any, error)

// Invoke implements [Invoker].
func (f SyncFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Outcome{Err: &PanicError{Value: r}}
			}
		}()
		v, err := f(ctx, args)
		done <- Outcome{Value: v, Err: err}
	}()

	select {
	case out := <-done:
		return out.Value, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AsyncFunc adapts a function that starts work and returns a channel
// that will carry its outcome.
type AsyncFunc func(ctx context.Context, args map[string]any) <-chan Outcome

// Invoke implements [Invoker].
func (f AsyncFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	ch := f(ctx, args)
	if ch == nil {
		return nil, errors.New("async tool returned no result channel")
	}
	select {
	case out, ok := <-ch:
		if !ok {
			return nil, errors.New("async tool closed without a result")
		}
		return out.Value, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tool is a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Invoker     Invoker        `json:"-"`

	schema *jsonschema.Schema
}

// Registry holds tools in registration order.
type Registry struct {
	mu    sync.RWMutex
	tools []*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds t, adapting its Invoker to the registry's single
// invocation contract and compiling its Parameters schema. A tool with
// a nil Invoker is accepted; calls to it fail with [ErrNoInvoker].
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return errors.New("tool name is required")
	}

	switch inv := t.Invoker.(type) {
	case nil, SyncFunc, AsyncFunc:
	case AsyncInvoker:
		t.Invoker = AsyncFunc(inv.InvokeAsync)
	default:
		t.Invoker = SyncFunc(inv.Invoke)
	}

	if t.Parameters != nil {
		schema, err := compileSchema(t.Name, t.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s: compile parameters: %w", t.Name, err)
		}
		t.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tools {
		if existing.Name == t.Name {
			return fmt.Errorf("tool %s already registered", t.Name)
		}
	}
	r.tools = append(r.tools, t)
	return nil
}

// RegisterFunc registers a blocking function as a tool.
func (r *Registry) RegisterFunc(name, description string, params map[string]any, fn func(ctx context.Context, args map[string]any) (any, error)) error {
	return r.Register(&Tool{Name: name, Description: description, Parameters: params, Invoker: SyncFunc(fn)})
}

// RegisterAsync registers a channel-returning function as a tool.
func (r *Registry) RegisterAsync(name, description string, params map[string]any, fn func(ctx context.Context, args map[string]any) <-chan Outcome) error {
	return r.Register(&Tool{Name: name, Description: description, Parameters: params, Invoker: AsyncFunc(fn)})
}

// Find returns the first tool named name, scanning in registration
// order, or nil.
func (r *Registry) Find(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions renders the function-style tool schemas handed to models.
func (r *Registry) Definitions() []map[string]any {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]map[string]any, 0, len(r.tools))
	for _, t := range r.tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return defs
}

// Validate checks args against the tool's Parameters schema. Tools
// without a schema accept anything.
func (t *Tool) Validate(args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	// Round-trip through JSON so Go-typed values (int, []string) match
	// the schema's JSON types.
	payload, err := json.Marshal(args)
	if err != nil {
		return &ErrInvalidArguments{ToolName: t.Name, Err: err}
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return &ErrInvalidArguments{ToolName: t.Name, Err: err}
	}
	if err := t.schema.Validate(decoded); err != nil {
		return &ErrInvalidArguments{ToolName: t.Name, Err: err}
	}
	return nil
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(name+".schema.json", string(raw))
}

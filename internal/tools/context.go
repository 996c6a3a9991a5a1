package tools

import "context"

type contextKey string

const (
	sessionIDKey   contextKey = "session_id"
	taskIDKey      contextKey = "task_id"
	contextVarsKey contextKey = "context_variables"
)

// WithSessionID adds the session ID to the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns "default" if not set.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}

// WithTaskID adds the running task's ID to the context.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskIDFromContext returns the task ID, or "" if not set.
func TaskIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey).(string)
	return id
}

// WithContextVariables makes the blackboard's context variables visible
// to tools. Nil vars leave ctx unchanged.
func WithContextVariables(ctx context.Context, vars map[string]any) context.Context {
	if vars == nil {
		return ctx
	}
	return context.WithValue(ctx, contextVarsKey, vars)
}

// ContextVariablesFromContext returns the context variables, or nil.
// Tools must treat the map as read-only.
func ContextVariablesFromContext(ctx context.Context) map[string]any {
	if v, ok := ctx.Value(contextVarsKey).(map[string]any); ok {
		return v
	}
	return nil
}

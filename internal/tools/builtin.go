package tools

import (
	"context"
	"fmt"
	"time"
)

// RegisterBuiltins adds the tools every task gets: clock, echo, and
// context_has. now may be nil.
func RegisterBuiltins(r *Registry, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}

	if err := r.RegisterFunc("clock",
		"Return the current date and time. Optionally pass an IANA timezone name.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone, e.g. Europe/Berlin. Defaults to local time.",
				},
			},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			t := now()
			if tz, _ := args["timezone"].(string); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				t = t.In(loc)
			}
			return t.Format(time.RFC3339), nil
		},
	); err != nil {
		return err
	}

	if err := r.RegisterFunc("echo",
		"Return the given text unchanged. Useful for recording a note in the step history.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	); err != nil {
		return err
	}

	return r.RegisterFunc("context_has",
		"Report whether the caller supplied a context variable. Values stay with the tools that use them.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{"type": "string"},
			},
			"required": []string{"key"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			key, _ := args["key"].(string)
			if _, ok := ContextVariablesFromContext(ctx)[key]; ok {
				return "set", nil
			}
			return "not set", nil
		},
	)
}

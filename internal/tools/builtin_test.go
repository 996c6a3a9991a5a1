package tools

import (
	"context"
	"testing"
	"time"
)

func TestBuiltins(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry()
	if err := RegisterBuiltins(r, func() time.Time { return fixed }); err != nil {
		t.Fatal(err)
	}
	e := NewExecutor(r, testLogger())

	results := e.Run(context.Background(), []Call{
		{Name: "clock", Args: map[string]any{}},
		{Name: "clock", Args: map[string]any{"timezone": "Not/AZone"}},
		{Name: "echo", Args: map[string]any{"text": "note"}},
		{Name: "echo", Args: map[string]any{}},
	})

	if results[0].Output != "2026-03-01T12:00:00Z" {
		t.Errorf("clock = %v, %v", results[0].Output, results[0].Err)
	}
	if results[1].Err == nil {
		t.Error("bad timezone should fail")
	}
	if results[2].Output != "note" {
		t.Errorf("echo = %v", results[2].Output)
	}
	if results[3].Err == nil {
		t.Error("echo without text should fail validation")
	}

	if err := RegisterBuiltins(r, nil); err == nil {
		t.Error("registering builtins twice should fail")
	}
}

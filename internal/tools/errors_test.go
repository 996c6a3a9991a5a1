package tools

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrToolUnavailable(t *testing.T) {
	err := &ErrToolUnavailable{ToolName: "web_search"}
	want := `tool "web_search" is not available`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := fmt.Errorf("step 3: %w", err)
	var target *ErrToolUnavailable
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed through wrapping")
	}
	if target.ToolName != "web_search" {
		t.Errorf("ToolName = %q", target.ToolName)
	}
}

func TestErrInvalidArgumentsUnwraps(t *testing.T) {
	inner := errors.New("missing properties: 'q'")
	err := &ErrInvalidArguments{ToolName: "search", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("errors.Is should reach the schema error")
	}
	if got := err.Error(); got != "invalid arguments for search: missing properties: 'q'" {
		t.Errorf("Error() = %q", got)
	}
}

func TestPanicError(t *testing.T) {
	err := &PanicError{Value: "boom"}
	if got := err.Error(); got != "tool panicked: boom" {
		t.Errorf("Error() = %q", got)
	}
}

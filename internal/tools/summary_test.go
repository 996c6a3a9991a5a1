package tools

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	long := strings.Repeat("y", 5000)
	results := []Result{
		{ToolName: "search", Output: "three hits"},
		{ToolName: "fetch", Err: errors.New("timeout")},
		{ToolName: "stats", Output: map[string]any{"n": 2}},
		{ToolName: "dump", Output: long},
	}

	got := Summarize(results)
	parts := strings.Split(got, "\n\n")
	if len(parts) != 4 {
		t.Fatalf("parts = %d, want 4:\n%s", len(parts), got)
	}
	if parts[0] != "search:\nthree hits" {
		t.Errorf("success part = %q", parts[0])
	}
	if parts[1] != "fetch: failed - timeout" {
		t.Errorf("failure part = %q", parts[1])
	}
	if parts[2] != "stats:\n{\n  \"n\": 2\n}" {
		t.Errorf("map part = %q", parts[2])
	}
	if !strings.HasSuffix(parts[3], long) {
		t.Error("outputs must not be truncated")
	}
	if Summarize(nil) != "" {
		t.Error("no results should summarize to empty")
	}
}

func TestFormatOutput(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"text", "text"},
		{[]byte("raw"), "raw"},
		{42, "42"},
		{[]string{"a"}, "[\n  \"a\"\n]"},
		{2 * time.Second, "2s"},
	}
	for _, tt := range tests {
		if got := FormatOutput(tt.in); got != tt.want {
			t.Errorf("FormatOutput(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAggregateError(t *testing.T) {
	boom := errors.New("boom")
	if AggregateError(nil) != nil {
		t.Error("no results should not be an aggregate failure")
	}
	if AggregateError([]Result{{ToolName: "a", Err: boom}, {ToolName: "b"}}) != nil {
		t.Error("one success should clear the aggregate")
	}
	err := AggregateError([]Result{{ToolName: "a", Err: boom}, {ToolName: "b", Err: errors.New("bust")}})
	if err == nil || err.Error() != "a: boom; b: bust" {
		t.Errorf("err = %v", err)
	}
}

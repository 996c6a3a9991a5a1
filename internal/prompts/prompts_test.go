package prompts

import (
	"strings"
	"testing"
)

func TestStepSystemPrompt(t *testing.T) {
	got := StepSystemPrompt(StepContext{
		Goal:                "find X",
		History:             HistoryBullets([]string{"search:\nhit", "AI: looking"}),
		State:               `{"k": 1}`,
	})

	for _, want := range []string{
		"## Goal\nfind X",
		"- search:\nhit\n- AI: looking",
		`{"k": 1}`,
		NoConversationHistory,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestStepSystemPrompt_Empty(t *testing.T) {
	got := StepSystemPrompt(StepContext{Goal: "g"})
	if !strings.Contains(got, NoHistory) || !strings.Contains(got, "## Current state\n"+NoState) {
		t.Errorf("empty sections should use placeholders:\n%s", got)
	}
	if strings.Contains(got, "Context variables") {
		t.Error("no context variables section expected")
	}
}

func TestHistoryBullets(t *testing.T) {
	if HistoryBullets(nil) != "" {
		t.Error("nil entries should render empty")
	}
	if got := HistoryBullets([]string{"a", "b"}); got != "- a\n- b" {
		t.Errorf("got %q", got)
	}
}

func TestCompressionPrompt(t *testing.T) {
	long := strings.Repeat("x", 300)
	got := CompressionPrompt([]string{"short", long}, 200)

	if !strings.Contains(got, "- short\n") {
		t.Errorf("short entry missing:\n%s", got)
	}
	if !strings.Contains(got, "- "+strings.Repeat("x", 200)+"...") {
		t.Error("long entry should be cut to 200 characters")
	}
	if strings.Contains(got, strings.Repeat("x", 201)) {
		t.Error("long entry should not appear in full")
	}

	full := CompressionPrompt([]string{long}, 0)
	if !strings.Contains(full, long) {
		t.Error("zero limit should show entries in full")
	}
}

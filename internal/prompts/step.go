package prompts

import (
	"fmt"
	"strings"
)

// NextActionInstruction is the only user message of every step call.
// Everything the model needs is in the system prompt.
const NextActionInstruction = "Perform the next action."

// Placeholders for empty sections.
const (
	NoHistory             = "(no history yet)"
	NoConversationHistory = "(no prior conversation)"
	NoState               = "(none)"
)

const stepTemplate = `You are an assistant carrying out a task one step at a time.

## Goal
%s

## Prior conversation
%s

## Steps so far
%s

## Current state
%s

## Instructions
Decide the single next action:
1. If a tool is needed, call it.
2. If the task is done, reply with the final answer and call no tools.
3. If you cannot continue, explain why and call no tools.

Take one action per turn. You will see its result before deciding the next one.`

// StepContext is the rendered input for one step.
type StepContext struct {
	Goal                string
	ConversationHistory string
	History             string
	State               string
}

// StepSystemPrompt returns the system prompt for one step. Context
// variables have no place in it: they belong to tools only.
func StepSystemPrompt(c StepContext) string {
	return fmt.Sprintf(stepTemplate,
		c.Goal,
		orDefault(c.ConversationHistory, NoConversationHistory),
		orDefault(c.History, NoHistory),
		orDefault(c.State, NoState),
	)
}

// HistoryBullets renders history entries as "- " bullet lines.
func HistoryBullets(entries []string) string {
	if len(entries) == 0 {
		return ""
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = "- " + e
	}
	return strings.Join(lines, "\n")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

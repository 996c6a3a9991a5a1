// Package report renders a stored task and its steps as a Markdown
// audit document, and as standalone HTML through goldmark.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nugget/steploop/internal/store"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Markdown renders the task, its outcome, every step, and the final
// history.
func Markdown(task *store.Record, steps []*store.StepRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task %s\n\n", task.ID)

	b.WriteString("| Field | Value |\n|---|---|\n")
	row(&b, "Goal", task.Goal)
	row(&b, "Status", string(task.Status))
	row(&b, "Session", task.SessionID)
	row(&b, "Steps", fmt.Sprintf("%d / %d", task.CurrentStep, task.MaxSteps))
	row(&b, "Created", formatTime(task.CreatedAt))
	if !task.CompletedAt.IsZero() {
		row(&b, "Completed", formatTime(task.CompletedAt))
		row(&b, "Elapsed", task.CompletedAt.Sub(task.CreatedAt).Round(time.Millisecond).String())
	}
	in, out := tokenTotals(steps)
	if in+out > 0 {
		row(&b, "Tokens", fmt.Sprintf("%d in / %d out", in, out))
	}
	b.WriteString("\n")

	b.WriteString("## Result\n\n")
	switch {
	case task.FinalResponse != "":
		b.WriteString(task.FinalResponse)
		b.WriteString("\n\n")
	case task.Error != "":
		fmt.Fprintf(&b, "**Error:** %s\n\n", task.Error)
	default:
		b.WriteString("_No result yet._\n\n")
	}

	if len(steps) > 0 {
		b.WriteString("## Steps\n\n")
		for _, s := range steps {
			writeStep(&b, s)
		}
	}

	if len(task.History) > 0 {
		b.WriteString("## History\n\n")
		for i, h := range task.History {
			fmt.Fprintf(&b, "%d. %s\n", i+1, oneLine(h))
		}
		b.WriteString("\n")
	}

	return b.String()
}

// HTML renders [Markdown] output as a complete HTML document.
func HTML(task *store.Record, steps []*store.StepRecord) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(Markdown(task, steps)), &buf); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Task %s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, task.ID, buf.String()), nil
}

func writeStep(b *strings.Builder, s *store.StepRecord) {
	title := fmt.Sprintf("### Step %d", s.Number)
	switch {
	case s.IsFinal:
		title += " (final)"
	case s.ToolName != "":
		title += " (" + s.ToolName + ")"
	}
	b.WriteString(title + "\n\n")

	fmt.Fprintf(b, "Duration %s, history window %d", s.Duration.Round(time.Millisecond), s.HistoryLength)
	if s.ToolCalls > 1 {
		fmt.Fprintf(b, ", %d tool calls", s.ToolCalls)
	}
	if s.InputTokens+s.OutputTokens > 0 {
		fmt.Fprintf(b, ", %d/%d tokens", s.InputTokens, s.OutputTokens)
	}
	b.WriteString(".\n\n")

	if s.Response != "" {
		b.WriteString("**Response**\n\n")
		codeBlock(b, "", s.Response)
	}
	if len(s.ToolInput) > 0 {
		b.WriteString("**Tool input**\n\n")
		in, err := json.MarshalIndent(s.ToolInput, "", "  ")
		if err != nil {
			in = []byte(fmt.Sprintf("%v", s.ToolInput))
		}
		codeBlock(b, "json", string(in))
	}
	if s.ToolOutputSummary != "" {
		b.WriteString("**Tool output**\n\n")
		codeBlock(b, "", s.ToolOutputSummary)
	}
}

func row(b *strings.Builder, field, value string) {
	fmt.Fprintf(b, "| %s | %s |\n", field, cell(value))
}

// cell makes value safe inside a single table cell.
func cell(value string) string {
	value = oneLine(value)
	return strings.ReplaceAll(value, "|", `\|`)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// codeBlock fences body with more backticks than any run inside it.
func codeBlock(b *strings.Builder, lang, body string) {
	fence := strings.Repeat("`", max(3, longestRun(body, '`')+1))
	fmt.Fprintf(b, "%s%s\n%s\n%s\n\n", fence, lang, strings.TrimRight(body, "\n"), fence)
}

func longestRun(s string, c byte) int {
	best, cur := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			cur++
			best = max(best, cur)
		} else {
			cur = 0
		}
	}
	return best
}

func tokenTotals(steps []*store.StepRecord) (in, out int) {
	for _, s := range steps {
		in += s.InputTokens
		out += s.OutputTokens
	}
	return in, out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

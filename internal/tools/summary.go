package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Summarize renders results for the step history. Successful outputs
// are rendered in full as "<name>:\n<output>" and failures as
// "<name>: failed - <error>". Entries are separated by a blank line.
func Summarize(results []Result) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		name := r.ToolName
		if name == "" {
			name = "(unnamed)"
		}
		if r.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: failed - %v", name, r.Err))
			continue
		}
		parts = append(parts, name+":\n"+FormatOutput(r.Output))
	}
	return strings.Join(parts, "\n\n")
}

// FormatOutput renders a tool's return value. Strings are verbatim,
// maps and slices are indented JSON, nil is empty, anything else is
// formatted with %v.
func FormatOutput(v any) string {
	switch o := v.(type) {
	case nil:
		return ""
	case string:
		return o
	case []byte:
		return string(o)
	case fmt.Stringer:
		return o.String()
	case map[string]any, []any, []map[string]any, []string:
		b, err := json.MarshalIndent(o, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", o)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", o)
	}
}

// AggregateError returns a joined error when every result failed, and
// nil when there are no results or at least one succeeded.
func AggregateError(results []Result) error {
	if len(results) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			return nil
		}
		msgs = append(msgs, fmt.Sprintf("%s: %v", r.ToolName, r.Err))
	}
	return errors.New(strings.Join(msgs, "; "))
}

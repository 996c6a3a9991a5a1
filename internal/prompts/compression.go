package prompts

import (
	"fmt"
	"strings"
)

// CompressionSystem is the system message of the summarization call.
const CompressionSystem = "You summarize the execution history of an automated agent."

const compressionTemplate = `The agent's step history is about to exceed its context limit. Summarize the key information:

%s

Answer in two or three sentences covering:
1. Done: what operations were completed
2. In progress: where the task currently stands
3. Next: what should happen next

Be concise, about 100 characters.`

// CompressionPrompt returns the summarization request for history
// entries. Each entry is cut to displayLimit characters for the prompt
// only; a non-positive displayLimit shows entries in full.
func CompressionPrompt(entries []string, displayLimit int) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		if displayLimit > 0 {
			if r := []rune(e); len(r) > displayLimit {
				e = string(r[:displayLimit]) + "..."
			}
		}
		lines[i] = "- " + e
	}
	return fmt.Sprintf(compressionTemplate, strings.Join(lines, "\n"))
}

package intent

import (
	"fmt"
	"strings"

	"github.com/mkallin/ctxd/internal/engine"
	"github.com/mkallin/ctxd/internal/task"
)

const systemPromptTemplate = `You are a prompt analysis engine for a coding assistant. Classify the user's request into exactly one task category and list the concrete artifacts it mentions.

Categories: %s.

Rules:
- "task" must be one of the category names, copied verbatim.
- "confidence" is your certainty in the chosen category, between 0 and 1.
- "entities" lists file paths, symbol names, package names, and error strings quoted from the request. Copy them exactly as written. Use an empty array when there are none.

Respond with JSON only, no prose.`

// BuildPrompt assembles the chat messages for one classification call.
func BuildPrompt(prompt string) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: systemPrompt()},
		{Role: "user", Content: prompt},
	}
}

// systemPrompt fills the template with the category names so the list
// can never drift from the task enum.
func systemPrompt() string {
	names := make([]string, 0, task.Count)
	for _, t := range task.All() {
		names = append(names, t.String())
	}
	return fmt.Sprintf(systemPromptTemplate, strings.Join(names, ", "))
}

// Package intent turns a raw prompt into a task classification plus the
// concrete entities it names (file paths, symbols, error strings). The
// primary path is one structured chat call against the local engine; any
// engine failure degrades to the keyword heuristics in this package, and
// from there to a neutral general classification.
package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/mkallin/ctxd/internal/engine"
	"github.com/mkallin/ctxd/internal/task"
)

// extractionTimeout bounds the classification chat call. Analysis runs on
// the composition hot path, so a stalled model falls back instead of
// blocking the request.
const extractionTimeout = 3 * time.Second

// extractedEntityConfidence is assigned to entities the model pulled out
// of the prompt.
const extractedEntityConfidence = 0.8

// Chatter is the slice of the inference engine classification needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Entity is a concrete artifact named in a prompt, such as a file path or
// a symbol.
type Entity struct {
	Value      string
	Confidence float64
}

// Analysis is the structured reading of a prompt. The zero value means
// "general task, nothing recognized".
type Analysis struct {
	Task       task.Type
	Confidence float64
	Entities   []Entity
}

// Extractor classifies prompts through a structured chat call.
type Extractor struct {
	client Chatter
	model  string
}

// NewExtractor creates an extractor backed by the given chat client.
func NewExtractor(client Chatter, model string) *Extractor {
	return &Extractor{client: client, model: model}
}

// Analyze classifies the prompt into a task category and extracts the
// entities it mentions. Analyze never returns an error: engine failures,
// timeouts, and malformed responses all degrade to Classify.
func (e *Extractor) Analyze(ctx context.Context, prompt string) Analysis {
	if strings.TrimSpace(prompt) == "" {
		return Analysis{}
	}

	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	raw, err := e.client.Chat(ctx, e.model, BuildPrompt(prompt), analysisSchema())
	if err != nil {
		slog.Warn("task classification chat failed", "error", err)
		return Classify(prompt)
	}

	var decoded struct {
		Task       string   `json:"task"`
		Confidence float64  `json:"confidence"`
		Entities   []string `json:"entities"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		slog.Warn("failed to unmarshal classification response", "error", err, "response", raw)
		return Classify(prompt)
	}

	t, known := task.Parse(decoded.Task)
	conf := clamp01(decoded.Confidence)
	if !known {
		slog.Debug("model returned unknown task category", "task", decoded.Task)
		conf = 0
	}

	a := Analysis{Task: t, Confidence: conf}
	for _, v := range decoded.Entities {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		a.Entities = append(a.Entities, Entity{Value: v, Confidence: extractedEntityConfidence})
	}
	return a
}

// analysisSchema constrains model output to the fields Analyze decodes.
func analysisSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"task":       {Type: "string", Description: "One of the listed task category names, verbatim"},
			"confidence": {Type: "number", Description: "Certainty in the chosen category, 0 to 1"},
			"entities":   {Type: "array", Description: "File paths, symbols, and error strings quoted from the request"},
		},
		Required: []string{"task", "confidence", "entities"},
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package completion

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mkallin/ctxd/internal/pipeline"
)

// Composer produces an enriched prompt for a raw user query.
type Composer interface {
	Compose(ctx context.Context, req pipeline.Request) (*pipeline.Composition, error)
}

// Enricher rewrites OpenAI-compatible chat requests so the upstream
// model sees composed workspace context. The last user message supplies
// the query; the composed system prompt is merged into (or prepended
// before) the request's system message and the composed user prompt
// replaces the last user message.
type Enricher struct {
	pipe Composer
}

func NewEnricher(pipe Composer) *Enricher {
	return &Enricher{pipe: pipe}
}

// Enrich returns the rewritten request and the composition backing it.
// It never fails: when there is no user message, composition errors out,
// or nothing relevant was retrieved, the original request comes back
// unchanged (with a nil or empty composition respectively).
func (e *Enricher) Enrich(ctx context.Context, req ChatRequest, workspaceID string) (ChatRequest, *pipeline.Composition) {
	prompt := lastUserMessage(req.Messages)
	if prompt == "" {
		return req, nil
	}

	comp, err := e.pipe.Compose(ctx, pipeline.Request{Prompt: prompt, WorkspaceID: workspaceID})
	if err != nil {
		slog.Warn("enrichment failed, forwarding original request", "error", err)
		return req, nil
	}
	if len(comp.Sections) == 0 {
		return req, comp
	}

	msgs, err := parseMessages(req.Messages)
	if err != nil {
		slog.Warn("unparsable message array, forwarding original request", "error", err)
		return req, comp
	}

	if comp.SystemPrompt != "" {
		if len(msgs) > 0 && getRole(msgs[0]) == "system" {
			setContent(msgs[0], comp.SystemPrompt+"\n\n---\n\n"+getContent(msgs[0]))
		} else {
			msgs = append([]rawMsg{newSystemMessage(comp.SystemPrompt)}, msgs...)
		}
	}

	for i := len(msgs) - 1; i >= 0; i-- {
		if getRole(msgs[i]) == "user" {
			setContent(msgs[i], comp.UserPrompt)
			break
		}
	}

	marshalled, err := json.Marshal(msgs)
	if err != nil {
		slog.Warn("marshalling enriched messages failed, forwarding original request", "error", err)
		return req, comp
	}

	out := req
	out.Messages = marshalled
	return out, comp
}

// lastUserMessage finds the content of the last role "user" entry in the
// raw messages array. Returns "" when there is none or the array does
// not parse as plain string-content messages.
func lastUserMessage(raw json.RawMessage) string {
	var msgs []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return ""
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

// rawMsg preserves every JSON field on a message while allowing
// role/content access, so tool calls and vendor extensions survive the
// rewrite.
type rawMsg map[string]json.RawMessage

func parseMessages(data json.RawMessage) ([]rawMsg, error) {
	var msgs []rawMsg
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func getRole(m rawMsg) string {
	v, ok := m["role"]
	if !ok {
		return ""
	}
	var role string
	json.Unmarshal(v, &role)
	return role
}

func getContent(m rawMsg) string {
	v, ok := m["content"]
	if !ok {
		return ""
	}
	var content string
	json.Unmarshal(v, &content)
	return content
}

func setContent(m rawMsg, s string) {
	b, _ := json.Marshal(s)
	m["content"] = b
}

func newSystemMessage(content string) rawMsg {
	m := make(rawMsg)
	m["role"], _ = json.Marshal("system")
	m["content"], _ = json.Marshal(content)
	return m
}

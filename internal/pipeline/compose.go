// Package pipeline runs the composition flow end to end: classify the
// prompt, retrieve relevant contexts, synthesize them into budgeted
// sections, and inject the result into the final prompt pair. Usage
// counters and the interaction log ride behind the response best-effort.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkallin/ctxd/internal/injection"
	"github.com/mkallin/ctxd/internal/intent"
	"github.com/mkallin/ctxd/internal/retrieval"
	"github.com/mkallin/ctxd/internal/storage"
	"github.com/mkallin/ctxd/internal/synthesis"
	"github.com/mkallin/ctxd/internal/task"
)

// ErrInvalid wraps request validation failures so transport layers can
// map them to a client error.
var ErrInvalid = errors.New("invalid request")

// Request is one composition call. TaskType and Strategy are optional
// wire names; an empty TaskType is classified from the prompt.
type Request struct {
	Prompt        string
	WorkspaceID   string
	TaskType      string
	Strategy      injection.Strategy
	Entities      []retrieval.Entity
	Limit         int
	MinSimilarity float64
}

// Composition is the injected prompt pair plus the synthesis report.
// InteractionID ties later feedback to this composition.
type Composition struct {
	InteractionID string
	Task          task.Type
	Confidence    float64
	Strategy      injection.Strategy
	SystemPrompt  string
	UserPrompt    string
	TotalTokens   int
	ContextTokens int
	Sections      []synthesis.Section
	Sources       []string
	ContextIDs    []string
	Duration      time.Duration
}

// Options tunes pipeline behavior shared by every request.
type Options struct {
	// DefaultStrategy applies when neither the request nor the workspace
	// names one. Empty falls through to the per-task table.
	DefaultStrategy injection.Strategy
	// ExpandQueries folds confident entities into the retrieval query.
	ExpandQueries bool
}

// Settings supplies per-workspace overrides. Implemented by
// workspace.Manager.
type Settings interface {
	Get(workspaceID string) (storage.WorkspaceSettings, error)
}

// Pipeline wires the composition components together. A nil extractor
// downgrades task classification to the keyword heuristics; a nil
// settings source means no workspace has overrides.
type Pipeline struct {
	store       *storage.Store
	settings    Settings
	extractor   *intent.Extractor
	retriever   *retrieval.Retriever
	synthesizer *synthesis.Synthesizer
	injector    *injection.Injector
	opts        Options
}

func New(store *storage.Store, settings Settings, extractor *intent.Extractor, retriever *retrieval.Retriever, synthesizer *synthesis.Synthesizer, injector *injection.Injector, opts Options) *Pipeline {
	return &Pipeline{
		store:       store,
		settings:    settings,
		extractor:   extractor,
		retriever:   retriever,
		synthesizer: synthesizer,
		injector:    injector,
		opts:        opts,
	}
}

// Compose runs the full pipeline for one prompt:
//  1. Resolve the task category (request override, else classification)
//  2. Retrieve scored contexts for the workspace
//  3. Kick off usage-stat recording, detached from the request
//  4. Synthesize sections under the workspace's token budget
//  5. Inject them using the resolved strategy
//  6. Record the interaction row, best-effort
//
// Retrieval and injection failures surface to the caller; everything
// after the prompt pair is built is logged and swallowed.
func (p *Pipeline) Compose(ctx context.Context, req Request) (*Composition, error) {
	start := time.Now()

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalid)
	}
	if req.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: workspace id is required", ErrInvalid)
	}
	if req.TaskType != "" {
		if _, ok := task.Parse(req.TaskType); !ok {
			return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalid, req.TaskType)
		}
	}
	if req.Strategy != "" && !injection.ValidStrategy(req.Strategy) {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalid, req.Strategy)
	}

	t, confidence, entities := p.classify(ctx, req)

	rs, err := p.retriever.Retrieve(ctx, retrieval.Query{
		WorkspaceID: req.WorkspaceID,
		Text:        req.Prompt,
		Entities:    entities,
		Limit:       req.Limit,
		MinScore:    req.MinSimilarity,
		Expand:      p.opts.ExpandQueries,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieving context: %w", err)
	}

	ids := contextIDs(rs.Contexts)
	if len(ids) > 0 {
		go p.retriever.UpdateUsageStats(context.WithoutCancel(ctx), ids)
	}

	ws := p.workspaceSettings(req.WorkspaceID)
	syn := p.synthesizer.Synthesize(rs.Contexts, t, budgetOverride(t, ws))

	inj, err := p.injector.Inject(req.Prompt, syn, t, p.resolveStrategy(req.Strategy, ws))
	if err != nil {
		return nil, err
	}

	comp := &Composition{
		InteractionID: uuid.NewString(),
		Task:          t,
		Confidence:    confidence,
		Strategy:      inj.Strategy,
		SystemPrompt:  inj.SystemPrompt,
		UserPrompt:    inj.UserPrompt,
		TotalTokens:   inj.TotalTokens,
		ContextTokens: syn.TotalTokens,
		Sections:      inj.Sections,
		Sources:       syn.Sources,
		ContextIDs:    ids,
		Duration:      time.Since(start),
	}
	p.recordInteraction(req, comp)

	slog.Debug("composition complete",
		"task", t.String(),
		"strategy", string(inj.Strategy),
		"contexts", len(rs.Contexts),
		"tokens", inj.TotalTokens,
		"duration_ms", comp.Duration.Milliseconds(),
	)
	return comp, nil
}

// classify resolves the task category and the entity set for expansion.
// An explicit request task wins at full confidence; otherwise the
// extractor (or the keyword heuristics when no engine is wired) reads
// the prompt, and its entities are appended to the caller's.
func (p *Pipeline) classify(ctx context.Context, req Request) (task.Type, float64, []retrieval.Entity) {
	entities := req.Entities
	if req.TaskType != "" {
		t, _ := task.Parse(req.TaskType)
		return t, 1.0, entities
	}

	var a intent.Analysis
	if p.extractor != nil {
		a = p.extractor.Analyze(ctx, req.Prompt)
	} else {
		a = intent.Classify(req.Prompt)
	}
	for _, ent := range a.Entities {
		entities = append(entities, retrieval.Entity{Value: ent.Value, Confidence: ent.Confidence})
	}
	return a.Task, a.Confidence, entities
}

// workspaceSettings loads per-workspace overrides; absence or a read
// failure falls back to the zero value, meaning global defaults.
func (p *Pipeline) workspaceSettings(workspaceID string) storage.WorkspaceSettings {
	if p.settings == nil {
		return storage.WorkspaceSettings{}
	}
	ws, err := p.settings.Get(workspaceID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("loading workspace settings failed", "workspace", workspaceID, "error", err)
		}
		return storage.WorkspaceSettings{}
	}
	return ws
}

// resolveStrategy layers overrides: the request beats the workspace
// setting, which beats the configured default. An invalid stored
// setting is skipped rather than failing the request.
func (p *Pipeline) resolveStrategy(req injection.Strategy, ws storage.WorkspaceSettings) injection.Strategy {
	if req != "" {
		return req
	}
	if s := injection.Strategy(ws.InjectionStrategy); s != "" {
		if injection.ValidStrategy(s) {
			return s
		}
		slog.Warn("workspace names an unknown injection strategy", "workspace", ws.WorkspaceID, "strategy", ws.InjectionStrategy)
	}
	return p.opts.DefaultStrategy
}

// budgetOverride builds a workspace-tuned token budget, or nil for the
// synthesizer defaults.
func budgetOverride(t task.Type, ws storage.WorkspaceSettings) *synthesis.TokenBudget {
	if ws.TotalBudget <= 0 {
		return nil
	}
	b := synthesis.BudgetFor(t, ws.TotalBudget, ws.ResponseReserve)
	return &b
}

// recordInteraction writes the composition log row. Best-effort: a
// failure costs the audit trail for one request, nothing else.
func (p *Pipeline) recordInteraction(req Request, comp *Composition) {
	idsJSON := []byte("[]")
	if len(comp.ContextIDs) > 0 {
		if b, err := json.Marshal(comp.ContextIDs); err == nil {
			idsJSON = b
		}
	}
	row := storage.Interaction{
		ID:            comp.InteractionID,
		WorkspaceID:   req.WorkspaceID,
		UserQuery:     req.Prompt,
		TaskType:      comp.Task.String(),
		ContextIDs:    string(idsJSON),
		ContextTokens: comp.ContextTokens,
		PromptTokens:  comp.TotalTokens,
		Strategy:      string(comp.Strategy),
		CreatedAt:     time.Now().UTC(),
	}
	if err := p.store.InsertInteraction(row); err != nil {
		slog.Warn("recording interaction failed", "interaction", row.ID, "error", err)
	}
}

func contextIDs(scored []retrieval.ScoredContext) []string {
	if len(scored) == 0 {
		return nil
	}
	ids := make([]string, len(scored))
	for i, sc := range scored {
		ids[i] = sc.ID
	}
	return ids
}

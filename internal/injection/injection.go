// Package injection assembles the final prompt pair from synthesized
// context sections. Strategy controls where the context block lands;
// the token ceiling is the last line of defense against oversized
// prompts and fails hard instead of truncating.
package injection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mkallin/ctxd/internal/synthesis"
	"github.com/mkallin/ctxd/internal/task"
)

const (
	defaultMaxTokens = 16384

	// hybrid duplicates at most this many sections into the user turn.
	hybridReminderSections = 2

	contextHeader = "[Project Context]\n"
)

// Strategy names where the context block lands in the prompt pair.
type Strategy string

const (
	StrategyPrefix Strategy = "prefix"
	StrategyInline Strategy = "inline"
	StrategySuffix Strategy = "suffix"
	StrategyHybrid Strategy = "hybrid"
)

// ValidStrategy reports whether s names a known strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyPrefix, StrategyInline, StrategySuffix, StrategyHybrid:
		return true
	}
	return false
}

// defaultStrategies maps each task to its injection placement, indexed
// by task id.
var defaultStrategies = [task.Count]Strategy{
	task.General:          StrategyPrefix,
	task.BugFix:           StrategyHybrid,
	task.FeatureAdd:       StrategyPrefix,
	task.Refactor:         StrategyInline,
	task.CodeReview:       StrategyInline,
	task.Testing:          StrategyInline,
	task.Documentation:    StrategyPrefix,
	task.Architecture:     StrategyPrefix,
	task.Performance:      StrategyHybrid,
	task.Security:         StrategyHybrid,
	task.Migration:        StrategyPrefix,
	task.Explanation:      StrategySuffix,
	task.DependencyUpdate: StrategyPrefix,
	task.Prototyping:      StrategyInline,
}

// instructions holds the per-task system message template, indexed by
// task id.
var instructions = [task.Count]string{
	task.General:          "You are a helpful coding assistant. Use the provided project context when it is relevant.",
	task.BugFix:           "You are a debugging assistant. Use the provided context to find the root cause before proposing a fix.",
	task.FeatureAdd:       "You are implementing a new feature. Follow the existing architecture and conventions shown in the context.",
	task.Refactor:         "You are refactoring existing code. Preserve behavior while improving structure, guided by the context.",
	task.CodeReview:       "You are reviewing code. Point out defects, risks and deviations from the patterns in the context.",
	task.Testing:          "You are writing tests. Mirror the project's test style and cover the edge cases visible in the context.",
	task.Documentation:    "You are writing documentation. Keep it accurate to the code shown in the context.",
	task.Architecture:     "You are advising on architecture. Ground recommendations in the system structure from the context.",
	task.Performance:      "You are optimizing performance. Identify the hot paths in the context before suggesting changes.",
	task.Security:         "You are auditing for security issues. Check the context for unsafe patterns and missing validation.",
	task.Migration:        "You are planning a migration. Account for the dependencies and integration points in the context.",
	task.Explanation:      "You are explaining code. Walk through the relevant pieces of context step by step.",
	task.DependencyUpdate: "You are updating dependencies. Check the context for affected call sites and breaking changes.",
	task.Prototyping:      "You are prototyping. Favor the quickest working approach consistent with the context.",
}

// BudgetExceededError reports a final prompt pair over the token
// ceiling. The caller must re-synthesize with a smaller budget.
type BudgetExceededError struct {
	Actual int
	Max    int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("prompt of %d estimated tokens exceeds the %d token ceiling", e.Actual, e.Max)
}

// Result is the final prompt pair ready for the completion service.
type Result struct {
	SystemPrompt string
	UserPrompt   string
	TotalTokens  int
	Strategy     Strategy
	Sections     []synthesis.Section
}

// Injector renders synthesized context into prompts.
type Injector struct {
	maxTokens int
}

// New creates an Injector with the given token ceiling; non-positive
// selects the default.
func New(maxTokens int) *Injector {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Injector{maxTokens: maxTokens}
}

// Inject builds the prompt pair. An empty override selects the task's
// default strategy. The original prompt text is never altered, only
// surrounded.
func (inj *Injector) Inject(prompt string, syn *synthesis.Result, t task.Type, override Strategy) (*Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	strategy := override
	if strategy == "" {
		strategy = defaultStrategyFor(t)
	} else if !ValidStrategy(strategy) {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	instruction := instructionFor(t)
	var sections []synthesis.Section
	if syn != nil {
		sections = syn.Sections
	}

	var system, user string
	switch strategy {
	case StrategyPrefix:
		system = joinBlocks(instruction, renderSections(sections))
		user = prompt
	case StrategyInline:
		system = instruction
		user = joinBlocks(renderSections(sections), prompt)
	case StrategySuffix:
		system = instruction
		user = joinBlocks(prompt, renderSections(sections), renderSources(sections))
	case StrategyHybrid:
		system = joinBlocks(instruction, renderSections(sections))
		reminder := sections
		if len(reminder) > hybridReminderSections {
			reminder = reminder[:hybridReminderSections]
		}
		user = joinBlocks(renderSections(reminder), prompt)
	}

	total := synthesis.EstimateTokens(system) + synthesis.EstimateTokens(user)
	if total > inj.maxTokens {
		return nil, &BudgetExceededError{Actual: total, Max: inj.maxTokens}
	}
	return &Result{
		SystemPrompt: system,
		UserPrompt:   user,
		TotalTokens:  total,
		Strategy:     strategy,
		Sections:     sections,
	}, nil
}

func defaultStrategyFor(t task.Type) Strategy {
	if t < 0 || int(t) >= task.Count {
		t = task.General
	}
	return defaultStrategies[t]
}

func instructionFor(t task.Type) string {
	if t < 0 || int(t) >= task.Count {
		t = task.General
	}
	return instructions[t]
}

func renderSections(sections []synthesis.Section) string {
	if len(sections) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(contextHeader)
	for _, sec := range sections {
		fmt.Fprintf(&sb, "\n## %s\n%s\n", sec.Title, sec.Content)
	}
	return sb.String()
}

// renderSources lists each section's relevance as a percentage.
func renderSources(sections []synthesis.Section) string {
	if len(sections) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Sources:\n")
	for _, sec := range sections {
		fmt.Fprintf(&sb, "- %s (%.0f%% relevant)\n", sec.Title, sec.Relevance*100)
	}
	return sb.String()
}

func joinBlocks(blocks ...string) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b != "" {
			parts = append(parts, b)
		}
	}
	return strings.Join(parts, "\n\n")
}

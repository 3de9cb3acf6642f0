// Package synthesis turns ranked retrieval results into formatted,
// token-budgeted context sections ready for prompt injection.
package synthesis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mkallin/ctxd/internal/retrieval"
	"github.com/mkallin/ctxd/internal/storage"
	"github.com/mkallin/ctxd/internal/task"
)

const (
	compressionThreshold = 0.8
	compressionKeep      = 500
	compressionMinChars  = 1000
	elisionMarker        = "\n\n[... trimmed for length ...]\n\n"
)

// sectionOrder fixes the group processing order so equal-relevance
// sections land deterministically.
var sectionOrder = []string{
	storage.TypeFile,
	storage.TypeSymbol,
	storage.TypeDocumentation,
	storage.TypeConversation,
	storage.TypeError,
	storage.TypeArchitecture,
}

// Section is one formatted block of injected context.
type Section struct {
	Type      string
	Title     string
	Content   string
	Tokens    int
	Relevance float64
	ContextID string
}

// Result is the budgeted projection of the selected contexts, ordered
// by relevance. BudgetRemaining can go negative when task multipliers
// inflate the per-type allocations past the shared budget; the
// injector's ceiling is the hard stop.
type Result struct {
	Sections        []Section
	TotalTokens     int
	BudgetRemaining int
	Sources         []string
}

// Synthesizer selects and formats contexts under a token budget.
type Synthesizer struct {
	totalBudget     int
	responseReserve int
}

// New creates a Synthesizer with the given default window split.
// Non-positive values select the package defaults.
func New(totalBudget, responseReserve int) *Synthesizer {
	if totalBudget <= 0 {
		totalBudget = DefaultTotalBudget
	}
	if responseReserve <= 0 {
		responseReserve = DefaultResponseReserve
	}
	return &Synthesizer{totalBudget: totalBudget, responseReserve: responseReserve}
}

// Synthesize groups candidates by type, fills each type's allocation
// greedily in score order and formats the winners into sections. A nil
// budget uses the task-adjusted default split. Selection bookkeeping
// runs on raw content estimates; the reported section tokens reflect
// the formatted (possibly compressed) text.
func (s *Synthesizer) Synthesize(scored []retrieval.ScoredContext, t task.Type, budget *TokenBudget) *Result {
	b := s.resolveBudget(t, budget)
	contextBudget := b.ContextBudget()

	groups := make(map[string][]retrieval.ScoredContext, len(sectionOrder))
	for _, sc := range scored {
		groups[sc.Type] = append(groups[sc.Type], sc)
	}

	res := &Result{Sections: []Section{}, Sources: []string{}}
	seenSources := make(map[string]bool)

	for _, typ := range sectionOrder {
		group := groups[typ]
		if len(group) == 0 {
			continue
		}
		sorted := make([]retrieval.ScoredContext, len(group))
		copy(sorted, group)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

		allocation := b.Allocation[typ]
		used := 0
		for _, sc := range sorted {
			est := EstimateTokens(sc.Content)
			// A candidate too big for what is left is skipped, not
			// compressed to fit; smaller ones further down still get
			// their chance.
			if used+est > allocation {
				continue
			}
			used += est
			res.Sections = append(res.Sections, buildSection(sc, contextBudget))
			if src, ok := sc.Metadata["source"].(string); ok && src != "" && !seenSources[src] {
				seenSources[src] = true
				res.Sources = append(res.Sources, src)
			}
		}
	}

	sort.SliceStable(res.Sections, func(i, j int) bool {
		return res.Sections[i].Relevance > res.Sections[j].Relevance
	})
	for _, sec := range res.Sections {
		res.TotalTokens += sec.Tokens
	}
	res.BudgetRemaining = contextBudget - res.TotalTokens
	return res
}

func (s *Synthesizer) resolveBudget(t task.Type, budget *TokenBudget) TokenBudget {
	if budget == nil {
		return BudgetFor(t, s.totalBudget, s.responseReserve)
	}
	b := *budget
	if b.Allocation == nil {
		b.Allocation = BudgetFor(t, b.Total, b.ResponseReserve).Allocation
	}
	return b
}

func buildSection(sc retrieval.ScoredContext, contextBudget int) Section {
	content := maybeCompress(sc.Content, contextBudget)
	formatted := renderContent(sc, content)
	return Section{
		Type:      sc.Type,
		Title:     sectionTitle(sc),
		Content:   formatted,
		Tokens:    EstimateTokens(formatted),
		Relevance: sc.Score,
		ContextID: sc.ID,
	}
}

// maybeCompress elides the middle of content whose estimate crowds out
// the shared budget. Lossy; the elision marker makes the cut visible.
func maybeCompress(content string, contextBudget int) string {
	if EstimateTokens(content) <= int(compressionThreshold*float64(contextBudget)) {
		return content
	}
	runes := []rune(content)
	if len(runes) <= compressionMinChars {
		return content
	}
	return string(runes[:compressionKeep]) + elisionMarker + string(runes[len(runes)-compressionKeep:])
}

// sectionTitle prefers symbol plus path, then path alone, then a
// generic per-type title.
func sectionTitle(sc retrieval.ScoredContext) string {
	symbol, _ := sc.Metadata["symbol"].(string)
	path, _ := sc.Metadata["file_path"].(string)
	switch {
	case symbol != "" && path != "":
		return symbol + " (" + path + ")"
	case path != "":
		return path
	default:
		return titleCase(sc.Type) + " Context"
	}
}

// renderContent prefixes metadata lines and fences code-bearing types.
func renderContent(sc retrieval.ScoredContext, content string) string {
	var sb strings.Builder
	path, _ := sc.Metadata["file_path"].(string)
	lang, _ := sc.Metadata["language"].(string)
	if path != "" {
		fmt.Fprintf(&sb, "File: %s\n", path)
	}
	if lang != "" {
		fmt.Fprintf(&sb, "Language: %s\n", lang)
	}
	switch sc.Type {
	case storage.TypeFile, storage.TypeSymbol:
		fmt.Fprintf(&sb, "```%s\n%s\n```", lang, content)
	default:
		sb.WriteString(content)
	}
	return sb.String()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// EstimateTokens provides a rough token count using the 4 chars per
// token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

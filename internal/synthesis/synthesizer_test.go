package synthesis

import (
	"strings"
	"testing"

	"github.com/mkallin/ctxd/internal/retrieval"
	"github.com/mkallin/ctxd/internal/storage"
	"github.com/mkallin/ctxd/internal/task"
)

func mkScored(id, typ, content string, score float64, meta map[string]any) retrieval.ScoredContext {
	return retrieval.ScoredContext{
		Context: storage.Context{ID: id, WorkspaceID: "ws-1", Type: typ, Content: content, Metadata: meta},
		Score:   score,
	}
}

// convBudget confines selection to the conversation type, which renders
// without fences or prefix lines so token math stays exact.
func convBudget(allocation int) *TokenBudget {
	return &TokenBudget{
		Total:           110,
		ResponseReserve: 10,
		Allocation:      map[string]int{storage.TypeConversation: allocation},
	}
}

func TestSynthesizeEmpty(t *testing.T) {
	res := New(0, 0).Synthesize(nil, task.General, nil)
	if len(res.Sections) != 0 {
		t.Errorf("got %d sections, want 0", len(res.Sections))
	}
	if res.TotalTokens != 0 {
		t.Errorf("TotalTokens = %d, want 0", res.TotalTokens)
	}
	if res.BudgetRemaining != 6000 {
		t.Errorf("BudgetRemaining = %d, want the untouched context budget", res.BudgetRemaining)
	}
}

func TestSynthesizeGreedyByScore(t *testing.T) {
	scored := []retrieval.ScoredContext{
		mkScored("a", storage.TypeConversation, strings.Repeat("a", 20), 0.9, nil), // 5 tokens
		mkScored("b", storage.TypeConversation, strings.Repeat("b", 16), 0.8, nil), // 4 tokens
		mkScored("c", storage.TypeConversation, strings.Repeat("c", 40), 0.7, nil), // 10 tokens
	}
	res := New(0, 0).Synthesize(scored, task.General, convBudget(10))

	if len(res.Sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(res.Sections))
	}
	if res.Sections[0].ContextID != "a" || res.Sections[1].ContextID != "b" {
		t.Errorf("sections = [%s %s], want [a b]", res.Sections[0].ContextID, res.Sections[1].ContextID)
	}
	if res.TotalTokens != 9 {
		t.Errorf("TotalTokens = %d, want 9", res.TotalTokens)
	}
	if res.BudgetRemaining != 91 {
		t.Errorf("BudgetRemaining = %d, want 91", res.BudgetRemaining)
	}
}

func TestSynthesizeSkipsOversizedKeepsSmaller(t *testing.T) {
	scored := []retrieval.ScoredContext{
		mkScored("big", storage.TypeConversation, strings.Repeat("x", 60), 0.9, nil),   // 15 tokens
		mkScored("small", storage.TypeConversation, strings.Repeat("y", 20), 0.5, nil), // 5 tokens
	}
	res := New(0, 0).Synthesize(scored, task.General, convBudget(10))

	if len(res.Sections) != 1 || res.Sections[0].ContextID != "small" {
		t.Fatalf("sections = %v, want only the smaller candidate", sectionIDs(res))
	}
}

func TestSynthesizeAllocationsAreIndependent(t *testing.T) {
	budget := &TokenBudget{
		Total:           110,
		ResponseReserve: 10,
		Allocation: map[string]int{
			storage.TypeConversation: 1, // too small for anything below
			storage.TypeError:        100,
		},
	}
	scored := []retrieval.ScoredContext{
		mkScored("conv", storage.TypeConversation, strings.Repeat("a", 40), 0.9, nil),
		mkScored("err", storage.TypeError, strings.Repeat("b", 40), 0.8, nil),
	}
	res := New(0, 0).Synthesize(scored, task.General, budget)

	if len(res.Sections) != 1 || res.Sections[0].ContextID != "err" {
		t.Errorf("sections = %v, want the error context alone", sectionIDs(res))
	}
}

func TestSynthesizeOrdersByRelevance(t *testing.T) {
	budget := &TokenBudget{
		Total:           110,
		ResponseReserve: 10,
		Allocation: map[string]int{
			storage.TypeConversation: 100,
			storage.TypeError:        100,
		},
	}
	scored := []retrieval.ScoredContext{
		mkScored("low", storage.TypeConversation, "aaaa", 0.2, nil),
		mkScored("high", storage.TypeError, "bbbb", 0.9, nil),
		mkScored("mid", storage.TypeConversation, "cccc", 0.5, nil),
	}
	res := New(0, 0).Synthesize(scored, task.General, budget)

	got := sectionIDs(res)
	want := []string{"high", "mid", "low"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("section order = %v, want %v", got, want)
		}
	}
}

func TestSectionTitles(t *testing.T) {
	tests := []struct {
		name string
		sc   retrieval.ScoredContext
		want string
	}{
		{
			name: "symbol and path",
			sc:   mkScored("a", storage.TypeSymbol, "c", 1, map[string]any{"symbol": "ParseConfig", "file_path": "internal/config/config.go"}),
			want: "ParseConfig (internal/config/config.go)",
		},
		{
			name: "path only",
			sc:   mkScored("a", storage.TypeFile, "c", 1, map[string]any{"file_path": "main.go"}),
			want: "main.go",
		},
		{
			name: "bare type",
			sc:   mkScored("a", storage.TypeDocumentation, "c", 1, nil),
			want: "Documentation Context",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sectionTitle(tt.sc); got != tt.want {
				t.Errorf("title = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSynthesizeFencesCodeTypes(t *testing.T) {
	scored := []retrieval.ScoredContext{
		mkScored("f", storage.TypeFile, "package main", 0.9, map[string]any{"file_path": "main.go", "language": "go"}),
		mkScored("conv", storage.TypeConversation, "we talked about deploys", 0.8, nil),
	}
	res := New(0, 0).Synthesize(scored, task.General, nil)
	if len(res.Sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(res.Sections))
	}

	file := res.Sections[0]
	if !strings.HasPrefix(file.Content, "File: main.go\nLanguage: go\n```go\n") {
		t.Errorf("file section missing metadata prefix and fence:\n%s", file.Content)
	}
	if !strings.HasSuffix(file.Content, "\n```") {
		t.Errorf("file section missing closing fence:\n%s", file.Content)
	}

	conv := res.Sections[1]
	if strings.Contains(conv.Content, "```") {
		t.Errorf("conversation section should not be fenced:\n%s", conv.Content)
	}
	if conv.Content != "we talked about deploys" {
		t.Errorf("conversation content = %q, want verbatim text", conv.Content)
	}
}

func TestSynthesizeCompressesDominantSections(t *testing.T) {
	head := strings.Repeat("a", compressionKeep)
	tail := strings.Repeat("b", compressionKeep)
	content := head + strings.Repeat("m", 1000) + tail

	res := New(0, 0).Synthesize(
		[]retrieval.ScoredContext{mkScored("big", storage.TypeConversation, content, 0.9, nil)},
		task.General,
		convBudget(1000), // context budget 100, threshold 80 tokens
	)
	if len(res.Sections) != 1 {
		t.Fatalf("got %d sections, want 1", len(res.Sections))
	}
	sec := res.Sections[0]
	if sec.Content != head+elisionMarker+tail {
		t.Errorf("compressed content does not keep first and last %d chars with the marker", compressionKeep)
	}
	if sec.Tokens >= EstimateTokens(content) {
		t.Errorf("tokens = %d not re-estimated below the original %d", sec.Tokens, EstimateTokens(content))
	}
}

func TestSynthesizeShortContentNeverCompressed(t *testing.T) {
	content := strings.Repeat("a", 800) // over the token trigger, under the length floor
	res := New(0, 0).Synthesize(
		[]retrieval.ScoredContext{mkScored("c", storage.TypeConversation, content, 0.9, nil)},
		task.General,
		convBudget(1000),
	)
	if len(res.Sections) != 1 {
		t.Fatalf("got %d sections, want 1", len(res.Sections))
	}
	if res.Sections[0].Content != content {
		t.Error("content under 1000 chars was compressed")
	}
}

func TestSynthesizeDedupesSources(t *testing.T) {
	scored := []retrieval.ScoredContext{
		mkScored("a", storage.TypeConversation, "aa", 0.9, map[string]any{"source": "repo"}),
		mkScored("b", storage.TypeConversation, "bb", 0.8, map[string]any{"source": "chat"}),
		mkScored("c", storage.TypeConversation, "cc", 0.7, map[string]any{"source": "repo"}),
	}
	res := New(0, 0).Synthesize(scored, task.General, convBudget(100))

	want := []string{"repo", "chat"}
	if len(res.Sources) != len(want) {
		t.Fatalf("sources = %v, want %v", res.Sources, want)
	}
	for i := range want {
		if res.Sources[i] != want[i] {
			t.Errorf("sources = %v, want %v", res.Sources, want)
		}
	}
}

func TestSynthesizeDropsUnknownTypes(t *testing.T) {
	scored := []retrieval.ScoredContext{mkScored("odd", "telepathy", "content", 0.9, nil)}
	res := New(0, 0).Synthesize(scored, task.General, nil)
	if len(res.Sections) != 0 {
		t.Errorf("got %d sections for an unknown type, want 0", len(res.Sections))
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func sectionIDs(res *Result) []string {
	ids := make([]string, len(res.Sections))
	for i, sec := range res.Sections {
		ids[i] = sec.ContextID
	}
	return ids
}

package intent

import (
	"math"
	"regexp"
	"strings"

	"github.com/mkallin/ctxd/internal/task"
)

// Entity confidences for heuristic extraction. File paths are explicit
// user-typed artifacts; backtick spans are slightly weaker signals.
const (
	filePathConfidence = 0.9
	codeSpanConfidence = 0.8
)

// keywords maps each task category to the prompt words that suggest it.
// General has none; it is what classification falls back to. Multi-word
// entries match as contiguous phrases.
var keywords = [task.Count][]string{
	task.BugFix:           {"fix", "bug", "broken", "crash", "panic", "regression", "fails", "failing"},
	task.FeatureAdd:       {"implement", "feature", "support", "introduce"},
	task.Refactor:         {"refactor", "restructure", "simplify", "clean up", "rename", "extract"},
	task.CodeReview:       {"review", "pull request"},
	task.Testing:          {"test", "tests", "coverage", "flaky", "assertion"},
	task.Documentation:    {"document", "documentation", "docs", "readme", "changelog"},
	task.Architecture:     {"architecture", "design", "structure", "layering"},
	task.Performance:      {"slow", "performance", "optimize", "latency", "allocation", "profiling"},
	task.Security:         {"security", "vulnerability", "cve", "sanitize", "exploit"},
	task.Migration:        {"migrate", "migration", "port", "upgrade"},
	task.Explanation:      {"explain", "what does", "how does", "why does", "understand"},
	task.DependencyUpdate: {"dependency", "dependencies", "bump", "go.mod"},
	task.Prototyping:      {"prototype", "spike", "proof of concept", "experiment"},
}

var (
	// filePathPattern matches dotted file names, optionally with a
	// directory prefix (internal/auth/jwt.go, go.mod, README.md).
	filePathPattern = regexp.MustCompile(`\b[\w./-]{2,}\.[A-Za-z]\w{0,4}\b`)
	// codeSpanPattern matches backtick-quoted spans.
	codeSpanPattern = regexp.MustCompile("`([^`\\s][^`]*)`")
)

// Classify scores the prompt against the keyword table and returns the
// best-matching category, with entities from the path and code-span
// patterns. No keyword hit means General with zero confidence. Ties go
// to the category declared first.
func Classify(prompt string) Analysis {
	normalized := normalize(prompt)

	best, bestHits := task.General, 0
	for t, words := range keywords {
		hits := 0
		for _, w := range words {
			if strings.Contains(normalized, " "+w+" ") {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = task.Type(t), hits
		}
	}

	a := Analysis{Task: best, Entities: heuristicEntities(prompt)}
	if bestHits > 0 {
		a.Confidence = math.Min(0.8, 0.5+0.1*float64(bestHits-1))
	}
	return a
}

// normalize lowercases the prompt, strips punctuation stuck to words,
// and pads the result so every keyword can match on word boundaries.
func normalize(prompt string) string {
	fields := strings.Fields(strings.ToLower(prompt))
	for i, f := range fields {
		fields[i] = strings.Trim(f, ".,;:!?\"'`()[]{}")
	}
	return " " + strings.Join(fields, " ") + " "
}

// heuristicEntities pulls file paths and backtick-quoted symbols out of
// the raw prompt text, deduplicated in discovery order.
func heuristicEntities(prompt string) []Entity {
	var entities []Entity
	seen := make(map[string]bool)
	add := func(value string, confidence float64) {
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		entities = append(entities, Entity{Value: value, Confidence: confidence})
	}

	for _, m := range filePathPattern.FindAllString(prompt, -1) {
		add(m, filePathConfidence)
	}
	for _, m := range codeSpanPattern.FindAllStringSubmatch(prompt, -1) {
		add(strings.TrimSpace(m[1]), codeSpanConfidence)
	}
	return entities
}

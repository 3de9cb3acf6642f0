// Package task defines the closed set of task categories the pipeline
// understands. Budget allocation and prompt instructions dispatch on
// these by array index, so every table covering tasks has exactly Count
// entries.
package task

// Type identifies a task category.
type Type int

const (
	General Type = iota
	BugFix
	FeatureAdd
	Refactor
	CodeReview
	Testing
	Documentation
	Architecture
	Performance
	Security
	Migration
	Explanation
	DependencyUpdate
	Prototyping

	// Count is the number of task types; keep it last.
	Count int = iota
)

var names = [Count]string{
	General:          "general",
	BugFix:           "bug_fix",
	FeatureAdd:       "feature_add",
	Refactor:         "refactor",
	CodeReview:       "code_review",
	Testing:          "testing",
	Documentation:    "documentation",
	Architecture:     "architecture",
	Performance:      "performance",
	Security:         "security",
	Migration:        "migration",
	Explanation:      "explanation",
	DependencyUpdate: "dependency_update",
	Prototyping:      "prototyping",
}

func (t Type) String() string {
	if t < 0 || int(t) >= Count {
		return "general"
	}
	return names[t]
}

// Parse maps a wire name to its Type. Unknown or empty names normalize
// to General with ok=false so callers can tell the difference.
func Parse(s string) (Type, bool) {
	for i, name := range names {
		if name == s {
			return Type(i), true
		}
	}
	return General, false
}

// All returns every task type in declaration order. Used by tables that
// must prove coverage.
func All() []Type {
	types := make([]Type, Count)
	for i := range types {
		types[i] = Type(i)
	}
	return types
}

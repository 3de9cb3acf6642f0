// Package vectors provides the derived similarity index over context
// embeddings. The document store in internal/storage stays authoritative;
// entries here may lag behind it and are repaired during retrieval.
package vectors

import (
	"context"
	"time"
)

// Index is the interface for vector index backends. The current
// implementation uses SQLite with brute-force cosine similarity; an
// ANN-capable backend can replace it behind the same interface.
type Index interface {
	// Upsert writes index entries, replacing existing ones by context id.
	// An entry with a nil embedding updates filter columns only.
	Upsert(ctx context.Context, entries []Entry) error

	// Remove drops the entry for a context id. Removing an id that was
	// never indexed is not an error.
	Remove(ctx context.Context, contextID string) error

	// Search returns the top-K entries most similar to the query vector,
	// ordered by score descending. Entries without an embedding are
	// skipped.
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error)

	// Count returns the number of indexed entries, scoped to a workspace
	// when workspaceID is non-empty.
	Count(ctx context.Context, workspaceID string) (int, error)
}

// Entry is one indexed context.
type Entry struct {
	ContextID   string
	WorkspaceID string
	Tier        string
	Embedding   []float32
	UpdatedAt   time.Time
}

// Match pairs a context id with its cosine similarity to the query.
// Hydrating the full context from the document store is the caller's job.
type Match struct {
	ContextID string
	Score     float64
}

// Filter narrows a search. Zero-value fields are ignored.
type Filter struct {
	WorkspaceID string
	Tier        string
}

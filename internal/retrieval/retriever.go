package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkallin/ctxd/internal/storage"
	"github.com/mkallin/ctxd/internal/vectors"
)

const (
	defaultLimit      = 10
	defaultMinScore   = 0.3
	defaultMaxAgeDays = 365

	// entityConfidenceFloor gates which extracted entities may expand
	// the query text.
	entityConfidenceFloor = 0.7
)

// Entity is an extracted query entity considered for query expansion.
type Entity struct {
	Value      string
	Confidence float64
}

// Query is a single retrieval request. Tier pins the search to one tier
// when set; otherwise tiers are searched workspace-first with hybrid and
// global as fallback.
type Query struct {
	WorkspaceID string
	Text        string
	Entities    []Entity
	Tier        string
	Limit       int
	MinScore    float64
	Expand      bool
}

// ScoreBreakdown itemizes the factors behind a composite score.
type ScoreBreakdown struct {
	Semantic   float64
	Freshness  float64
	Usage      float64
	Confidence float64
}

// ScoredContext is a retrieval-time view of a context. It is never
// persisted.
type ScoredContext struct {
	storage.Context
	Score     float64
	Breakdown ScoreBreakdown
}

// ResultSet is the retrieval response envelope. TotalFound counts the
// scored pool after the minimum-score filter, before truncation.
type ResultSet struct {
	Contexts      []ScoredContext
	Query         string
	TotalFound    int
	Latency       time.Duration
	TiersSearched []string
}

// Weights distributes the composite score across its factors. They are
// expected to sum to 1.
type Weights struct {
	Semantic   float64
	Freshness  float64
	Usage      float64
	Confidence float64
}

func defaultWeights() Weights {
	return Weights{Semantic: 0.6, Freshness: 0.2, Usage: 0.1, Confidence: 0.1}
}

// Options tunes ranking. Zero values select the documented defaults;
// Diversity must be set explicitly.
type Options struct {
	MinScore   float64
	MaxAgeDays float64
	Diversity  bool
	Weights    Weights
}

// Embedder is the slice of the embedding gateway retrieval needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever finds the contexts most relevant to a query through
// hierarchical tier search, multi-factor re-ranking and diversity
// selection. It reads from both halves of the dual store and repairs
// stale index entries as it finds them.
type Retriever struct {
	store    *storage.Store
	index    vectors.Index
	embedder Embedder
	opts     Options
}

func NewRetriever(store *storage.Store, index vectors.Index, embedder Embedder, opts Options) *Retriever {
	if opts.MinScore <= 0 {
		opts.MinScore = defaultMinScore
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = defaultMaxAgeDays
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = defaultWeights()
	}
	return &Retriever{store: store, index: index, embedder: embedder, opts: opts}
}

// Retrieve runs the retrieval pipeline: expand, embed, tiered search,
// hydrate, score, diversify, truncate.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*ResultSet, error) {
	start := time.Now()

	if q.WorkspaceID == "" {
		return nil, errors.New("workspace id is required")
	}
	if strings.TrimSpace(q.Text) == "" {
		return nil, errors.New("query text is required")
	}
	if q.Tier != "" && !storage.ValidTier(q.Tier) {
		return nil, fmt.Errorf("unknown tier %q", q.Tier)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	minScore := q.MinScore
	if minScore <= 0 {
		minScore = r.opts.MinScore
	}

	text := q.Text
	if q.Expand {
		text = expandQuery(q.Text, q.Entities)
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	pool, tiers, err := r.search(ctx, q.WorkspaceID, q.Tier, vec, limit)
	if err != nil {
		return nil, err
	}

	scored, err := r.hydrate(ctx, pool)
	if err != nil {
		return nil, err
	}

	scored = r.rank(scored, minScore)
	total := len(scored)

	if len(scored) > limit {
		if r.opts.Diversity {
			scored = selectDiverse(scored, limit)
		} else {
			scored = scored[:limit]
		}
	}
	if scored == nil {
		scored = []ScoredContext{}
	}

	return &ResultSet{
		Contexts:      scored,
		Query:         text,
		TotalFound:    total,
		Latency:       time.Since(start),
		TiersSearched: tiers,
	}, nil
}

// UpdateUsageStats bumps usage counters for served contexts. It is
// best-effort: failures are logged, and callers run it detached from the
// request with go + context.WithoutCancel.
func (r *Retriever) UpdateUsageStats(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := r.store.IncrementUsage(ids, time.Now().UTC()); err != nil {
		slog.Warn("usage stat update failed", "contexts", len(ids), "error", err)
	}
}

// expandQuery appends the values of confidently extracted entities so
// the embedding leans toward named files, symbols and errors.
func expandQuery(text string, entities []Entity) string {
	var extra []string
	for _, e := range entities {
		if e.Confidence > entityConfidenceFloor && strings.TrimSpace(e.Value) != "" {
			extra = append(extra, e.Value)
		}
	}
	if len(extra) == 0 {
		return text
	}
	return text + " " + strings.Join(extra, " ")
}

// candidate is one deduped index hit awaiting hydration.
type candidate struct {
	id       string
	tier     string
	semantic float64
}

// search walks the tiers most-local-first. A full workspace-tier page
// satisfies the request by itself and the wider tiers are never queried;
// otherwise hybrid and global run concurrently and the hits merge into
// one pool.
func (r *Retriever) search(ctx context.Context, workspaceID, pinned string, vec []float32, limit int) ([]candidate, []string, error) {
	if pinned != "" {
		matches, err := r.searchTier(ctx, workspaceID, pinned, vec, limit)
		if err != nil {
			return nil, nil, err
		}
		return mergeMatches(nil, matches, pinned), []string{pinned}, nil
	}

	local, err := r.searchTier(ctx, workspaceID, storage.TierWorkspace, vec, limit)
	if err != nil {
		return nil, nil, err
	}
	pool := mergeMatches(nil, local, storage.TierWorkspace)
	if len(pool) >= limit {
		return pool, []string{storage.TierWorkspace}, nil
	}

	var hybrid, global []vectors.Match
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		hybrid, err = r.searchTier(gctx, workspaceID, storage.TierHybrid, vec, limit)
		return err
	})
	g.Go(func() error {
		var err error
		global, err = r.searchTier(gctx, workspaceID, storage.TierGlobal, vec, limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	pool = mergeMatches(pool, hybrid, storage.TierHybrid)
	pool = mergeMatches(pool, global, storage.TierGlobal)
	return pool, []string{storage.TierWorkspace, storage.TierHybrid, storage.TierGlobal}, nil
}

func (r *Retriever) searchTier(ctx context.Context, workspaceID, tier string, vec []float32, limit int) ([]vectors.Match, error) {
	matches, err := r.index.Search(ctx, vec, limit, vectors.Filter{WorkspaceID: workspaceID, Tier: tier})
	if err != nil {
		return nil, fmt.Errorf("searching %s tier: %w", tier, err)
	}
	return matches, nil
}

// mergeMatches folds one tier's matches into the pool, deduping by
// context id and keeping the best semantic score.
func mergeMatches(pool []candidate, matches []vectors.Match, tier string) []candidate {
	index := make(map[string]int, len(pool))
	for i, c := range pool {
		index[c.id] = i
	}
	for _, m := range matches {
		if i, ok := index[m.ContextID]; ok {
			if m.Score > pool[i].semantic {
				pool[i].semantic = m.Score
				pool[i].tier = tier
			}
			continue
		}
		index[m.ContextID] = len(pool)
		pool = append(pool, candidate{id: m.ContextID, tier: tier, semantic: m.Score})
	}
	return pool
}

// hydrate resolves candidates to full documents. Ids the document store
// no longer has are dropped and their index entries cleaned up without
// holding the request open.
func (r *Retriever) hydrate(ctx context.Context, pool []candidate) ([]ScoredContext, error) {
	if len(pool) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pool))
	semantic := make(map[string]float64, len(pool))
	for i, c := range pool {
		ids[i] = c.id
		semantic[c.id] = c.semantic
	}

	docs, err := r.store.GetContexts(ids)
	if err != nil {
		return nil, fmt.Errorf("hydrating candidates: %w", err)
	}

	scored := make([]ScoredContext, 0, len(docs))
	found := make(map[string]bool, len(docs))
	for _, doc := range docs {
		found[doc.ID] = true
		scored = append(scored, ScoredContext{
			Context:   doc,
			Breakdown: ScoreBreakdown{Semantic: semantic[doc.ID]},
		})
	}

	var stale []string
	for _, c := range pool {
		if !found[c.id] {
			stale = append(stale, c.id)
		}
	}
	if len(stale) > 0 {
		go r.removeStale(context.WithoutCancel(ctx), stale)
	}
	return scored, nil
}

func (r *Retriever) removeStale(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := r.index.Remove(ctx, id); err != nil {
			slog.Debug("stale index entry removal failed", "context_id", id, "error", err)
		}
	}
}

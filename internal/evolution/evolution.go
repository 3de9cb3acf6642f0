// Package evolution adjusts context confidence over time. Feedback
// nudges confidence toward the observed quality of a context; temporal
// decay erodes it until the context is garbage-collected. The engine
// only ever touches the dual store and runs inside the caller's
// request, never on a background schedule.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mkallin/ctxd/internal/storage"
)

const (
	defaultDecayRate       = 0.01
	defaultMinConfidence   = 0.3
	noiseFloor             = 0.01
	feedbackWeightCap      = 0.3
	feedbackWeightPerUsage = 0.01
)

// ErrNotImplemented marks an extension point that has no real
// implementation yet. Evolve treats it as zero work done.
var ErrNotImplemented = errors.New("not implemented")

// Feedback is one quality signal against a context. Helpful, when set,
// overrides Rating; with neither the signal is neutral.
type Feedback struct {
	ContextID     string
	WorkspaceID   string
	Helpful       *bool
	Used          bool
	Rating        *int
	InteractionID string
}

// Deleter removes a context and its derived state. *contexts.Manager
// satisfies it.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

// Consolidator merges near-duplicate contexts within a workspace and
// reports how many it merged. No implementation exists yet; the
// contract is reserved so callers can already depend on it.
type Consolidator interface {
	Consolidate(ctx context.Context, workspaceID string) (int, error)
}

// ConflictResolver reconciles contexts that contradict each other and
// reports how many conflicts it settled. No implementation exists yet.
type ConflictResolver interface {
	ResolveConflicts(ctx context.Context, workspaceID string) (int, error)
}

// UnimplementedConsolidator is the default Consolidator. It does not
// silently succeed; it reports ErrNotImplemented so the gap stays
// visible.
type UnimplementedConsolidator struct{}

func (UnimplementedConsolidator) Consolidate(context.Context, string) (int, error) {
	return 0, ErrNotImplemented
}

// UnimplementedResolver is the default ConflictResolver.
type UnimplementedResolver struct{}

func (UnimplementedResolver) ResolveConflicts(context.Context, string) (int, error) {
	return 0, ErrNotImplemented
}

// Options tunes the engine. Zero values select the defaults.
type Options struct {
	DecayRate     float64
	MinConfidence float64
}

// Engine mutates confidence from feedback and elapsed time.
type Engine struct {
	store   *storage.Store
	deleter Deleter
	opts    Options

	// Consolidator and Resolver are extension points. The defaults
	// report ErrNotImplemented, which Evolve counts as zero.
	Consolidator Consolidator
	Resolver     ConflictResolver
}

func NewEngine(store *storage.Store, deleter Deleter, opts Options) *Engine {
	if opts.DecayRate <= 0 {
		opts.DecayRate = defaultDecayRate
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = defaultMinConfidence
	}
	return &Engine{
		store:        store,
		deleter:      deleter,
		opts:         opts,
		Consolidator: UnimplementedConsolidator{},
		Resolver:     UnimplementedResolver{},
	}
}

// ProcessFeedback appends the feedback to the log and folds its score
// into the context's confidence. The log entry is written even when the
// context no longer exists; historical signals outlive their subject.
func (e *Engine) ProcessFeedback(ctx context.Context, fb Feedback) error {
	if fb.ContextID == "" {
		return errors.New("context id is required")
	}
	if fb.WorkspaceID == "" {
		return errors.New("workspace id is required")
	}
	if fb.Rating != nil && (*fb.Rating < 1 || *fb.Rating > 5) {
		return fmt.Errorf("rating %d out of range 1..5", *fb.Rating)
	}

	score := resolveScore(fb)
	row := storage.Feedback{
		ID:            uuid.NewString(),
		ContextID:     fb.ContextID,
		WorkspaceID:   fb.WorkspaceID,
		Helpful:       fb.Helpful,
		Used:          fb.Used,
		Rating:        fb.Rating,
		Score:         score,
		InteractionID: fb.InteractionID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.store.InsertFeedback(row); err != nil {
		return fmt.Errorf("appending feedback: %w", err)
	}

	c, err := e.store.GetContext(fb.ContextID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading context: %w", err)
	}

	// Heavily used contexts have earned more trust in their signals.
	weight := math.Min(feedbackWeightCap, float64(c.UsageCount)*feedbackWeightPerUsage)
	newConf := c.Confidence*(1-weight) + score*weight
	newConf = math.Min(1.0, math.Max(e.opts.MinConfidence, newConf))

	// Confidence-only write; UpdatedAt stays put so feedback does not
	// reset the decay clock.
	if err := e.store.SetContextConfidence(c.ID, newConf); err != nil {
		return fmt.Errorf("updating confidence: %w", err)
	}
	return nil
}

func resolveScore(fb Feedback) float64 {
	switch {
	case fb.Helpful != nil && *fb.Helpful:
		return 1.0
	case fb.Helpful != nil:
		return 0.0
	case fb.Rating != nil:
		return float64(*fb.Rating) / 5.0
	default:
		return 0.5
	}
}

// DecayStats reports what one sweep did.
type DecayStats struct {
	Examined int
	Decayed  int
	Deleted  int
}

// ApplyTemporalDecay sweeps every context in the workspace, eroding
// confidence by age and deleting contexts that decay to the minimum
// threshold or below. Failures on one context never stop the sweep;
// rerunning recomputes from current state, so a partial sweep is safe.
func (e *Engine) ApplyTemporalDecay(ctx context.Context, workspaceID string) (DecayStats, error) {
	var stats DecayStats
	if workspaceID == "" {
		return stats, errors.New("workspace id is required")
	}

	rate := e.opts.DecayRate
	if ws, err := e.store.GetWorkspaceSettings(workspaceID); err == nil && ws.DecayRate > 0 {
		rate = ws.DecayRate
	}

	docs, err := e.store.ListContexts(workspaceID, storage.ListOptions{})
	if err != nil {
		return stats, fmt.Errorf("listing contexts: %w", err)
	}

	now := time.Now().UTC()
	var errs []error
	for _, c := range docs {
		stats.Examined++

		ageDays := now.Sub(c.UpdatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		decayed := c.Confidence - rate*ageDays

		if decayed <= e.opts.MinConfidence {
			if err := e.deleter.Delete(ctx, c.ID); err != nil {
				errs = append(errs, fmt.Errorf("deleting decayed context %s: %w", c.ID, err))
				continue
			}
			stats.Deleted++
			continue
		}
		if c.Confidence-decayed <= noiseFloor {
			continue
		}
		if err := e.store.SetContextConfidence(c.ID, decayed); err != nil {
			errs = append(errs, fmt.Errorf("decaying context %s: %w", c.ID, err))
			continue
		}
		stats.Decayed++
	}

	if err := e.store.SetLastSweep(workspaceID, now); err != nil {
		slog.Warn("recording sweep time failed", "workspace_id", workspaceID, "error", err)
	}
	return stats, errors.Join(errs...)
}

// EvolveResult aggregates one full evolution pass.
type EvolveResult struct {
	Decay             DecayStats
	Consolidated      int
	ConflictsResolved int
}

// Evolve runs a decay sweep, then consolidation and conflict
// resolution. The latter two are unfinished contracts; their
// ErrNotImplemented results count as zero contribution and do not fail
// the pass. A real implementation's failure does.
func (e *Engine) Evolve(ctx context.Context, workspaceID string) (EvolveResult, error) {
	var res EvolveResult
	var errs []error

	stats, err := e.ApplyTemporalDecay(ctx, workspaceID)
	if err != nil {
		errs = append(errs, err)
	}
	res.Decay = stats

	n, err := e.Consolidator.Consolidate(ctx, workspaceID)
	if err != nil && !errors.Is(err, ErrNotImplemented) {
		errs = append(errs, fmt.Errorf("consolidating: %w", err))
	}
	res.Consolidated = n

	n, err = e.Resolver.ResolveConflicts(ctx, workspaceID)
	if err != nil && !errors.Is(err, ErrNotImplemented) {
		errs = append(errs, fmt.Errorf("resolving conflicts: %w", err))
	}
	res.ConflictsResolved = n

	return res, errors.Join(errs...)
}

// Stats is a workspace health snapshot.
type Stats struct {
	TotalContexts     int
	ByTier            map[string]int
	AverageConfidence float64
	// Histogram buckets confidence into fifths: [0,0.2) through
	// [0.8,1.0]; a confidence of exactly 1.0 lands in the last bucket.
	Histogram   [5]int
	Feedback    storage.FeedbackCounts
	LastSweepAt *time.Time
}

func (e *Engine) GetEvolutionStats(ctx context.Context, workspaceID string) (*Stats, error) {
	if workspaceID == "" {
		return nil, errors.New("workspace id is required")
	}

	docs, err := e.store.ListContexts(workspaceID, storage.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing contexts: %w", err)
	}

	stats := &Stats{ByTier: make(map[string]int)}
	var sum float64
	for _, c := range docs {
		stats.TotalContexts++
		stats.ByTier[c.Tier]++
		stats.Histogram[confidenceBucket(c.Confidence)]++
		sum += c.Confidence
	}
	if stats.TotalContexts > 0 {
		stats.AverageConfidence = sum / float64(stats.TotalContexts)
	}

	counts, err := e.store.FeedbackStats(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("counting feedback: %w", err)
	}
	stats.Feedback = counts

	ws, err := e.store.GetWorkspaceSettings(workspaceID)
	if err == nil {
		stats.LastSweepAt = ws.LastSweepAt
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	return stats, nil
}

func confidenceBucket(conf float64) int {
	b := int(conf * 5)
	if b > 4 {
		b = 4
	}
	if b < 0 {
		b = 0
	}
	return b
}

package retrieval

import (
	"math"
	"sort"
	"time"
)

// Weights of the greedy diversity objective.
const (
	selectionScoreWeight     = 0.7
	selectionDiversityWeight = 0.3
)

// rank computes composite scores, drops candidates under minScore and
// stable-sorts the rest descending so ties keep their input order.
func (r *Retriever) rank(scored []ScoredContext, minScore float64) []ScoredContext {
	if len(scored) == 0 {
		return nil
	}

	maxUsage := 1
	for i := range scored {
		if scored[i].UsageCount > maxUsage {
			maxUsage = scored[i].UsageCount
		}
	}

	now := time.Now().UTC()
	w := r.opts.Weights
	for i := range scored {
		b := &scored[i].Breakdown
		ageDays := now.Sub(scored[i].UpdatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		b.Freshness = math.Exp(-ageDays / r.opts.MaxAgeDays)
		b.Usage = float64(scored[i].UsageCount) / float64(maxUsage)
		// Ranking does not consult the stored confidence; decay and
		// deletion consume it instead.
		b.Confidence = 1.0
		scored[i].Score = w.Semantic*b.Semantic + w.Freshness*b.Freshness +
			w.Usage*b.Usage + w.Confidence*b.Confidence
	}

	kept := make([]ScoredContext, 0, len(scored))
	for _, sc := range scored {
		if sc.Score >= minScore {
			kept = append(kept, sc)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept
}

// selectDiverse greedily trades some relevance for coverage across
// distinct sources and types. The highest-scored candidate always goes
// first; after that each pick maximizes a blend of its own score and its
// least pairwise diversity against everything already selected.
func selectDiverse(pool []ScoredContext, limit int) []ScoredContext {
	if len(pool) == 0 || limit <= 0 {
		return nil
	}
	selected := make([]ScoredContext, 0, limit)
	selected = append(selected, pool[0])
	remaining := append([]ScoredContext(nil), pool[1:]...)

	for len(selected) < limit && len(remaining) > 0 {
		bestIdx := 0
		bestVal := math.Inf(-1)
		for i, cand := range remaining {
			val := selectionScoreWeight*cand.Score + selectionDiversityWeight*minDiversity(cand, selected)
			if val > bestVal {
				bestVal = val
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func minDiversity(cand ScoredContext, selected []ScoredContext) float64 {
	minVal := 1.0
	for _, s := range selected {
		if d := pairDiversity(cand, s); d < minVal {
			minVal = d
		}
	}
	return minVal
}

// pairDiversity treats differing sources as the strongest separation
// and matching types as the weakest.
func pairDiversity(a, b ScoredContext) float64 {
	if metaSource(a) != metaSource(b) {
		return 0.8
	}
	if a.Type == b.Type {
		return 0.3
	}
	return 0.5
}

func metaSource(sc ScoredContext) string {
	if v, ok := sc.Metadata["source"].(string); ok {
		return v
	}
	return ""
}

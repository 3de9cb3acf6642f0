// Package embedding generates embedding vectors through the inference
// engine, with a content-hash cache in front so repeated content is
// never embedded twice.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mkallin/ctxd/internal/engine"
)

// Cache stores embedding vectors keyed by content hash. Implementations
// are best-effort: a broken cache degrades to recomputation, never to a
// failed embed.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
}

// NopCache disables caching.
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]float32, bool) { return nil, false }
func (NopCache) Set(context.Context, string, []float32)        {}

// engineBatchSize caps how many inputs go into a single engine call.
const engineBatchSize = 16

// embedConcurrency bounds parallel engine calls for large batches.
const embedConcurrency = 4

// Gateway wraps an Engine to generate text embeddings with caching.
type Gateway struct {
	engine engine.Engine
	model  string
	cache  Cache
}

// NewGateway creates a Gateway using the given Engine and model name.
// Pass NopCache{} to disable caching.
func NewGateway(e engine.Engine, model string, cache Cache) *Gateway {
	return &Gateway{engine: e, model: model, cache: cache}
}

// Embed returns the embedding vector for a single text.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns embedding vectors for multiple texts, serving what
// it can from cache and embedding the rest in bounded-concurrency
// engine batches. Returns nil (not error) for empty/nil input.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	keys := make([]string, len(texts))

	var misses []int
	for i, text := range texts {
		keys[i] = cacheKey(g.model, text)
		if vec, ok := g.cache.Get(ctx, keys[i]); ok {
			results[i] = vec
			continue
		}
		misses = append(misses, i)
	}
	if len(misses) == 0 {
		return results, nil
	}

	gr, gCtx := errgroup.WithContext(ctx)
	gr.SetLimit(embedConcurrency) // Bound concurrency to avoid overwhelming the engine.

	for start := 0; start < len(misses); start += engineBatchSize {
		end := min(start+engineBatchSize, len(misses))
		batch := misses[start:end]
		gr.Go(func() error {
			inputs := make([]string, len(batch))
			for j, idx := range batch {
				inputs[j] = texts[idx]
			}
			vecs, err := g.engine.Embed(gCtx, g.model, inputs)
			if err != nil {
				return fmt.Errorf("embedding batch of %d: %w", len(batch), err)
			}
			if len(vecs) != len(batch) {
				return fmt.Errorf("engine returned %d vectors for %d inputs", len(vecs), len(batch))
			}
			for j, idx := range batch {
				results[idx] = vecs[j]
				g.cache.Set(gCtx, keys[idx], vecs[j])
			}
			return nil
		})
	}

	if err := gr.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// cacheKey hashes model and content together so a model switch never
// serves vectors computed by the old model.
func cacheKey(model, text string) string {
	h := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(h[:])
}

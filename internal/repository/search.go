package repository

import (
	"context"
	"sort"

	kerrors "github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/errors"
)

// defaultAlpha is spec §4.6's fused-score vector weight, overridden by
// Config.Search.FusionAlpha when set.
const defaultAlpha = 0.6

// Search runs spec §4.6's hybrid lexical+vector search under the read lock,
// returning one ranked result list per embedding configuration.
func (r *Repository) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		return nil, kerrors.InvalidArgument("search limit must be positive", nil)
	}

	r.mu.RLock()
	targets := r.targets
	r.mu.RUnlock()

	alpha := r.cfg.Search.FusionAlpha
	if alpha <= 0 {
		alpha = defaultAlpha
	}
	vectorOverfetch := r.cfg.Search.VectorOverfetch
	if vectorOverfetch <= 0 {
		vectorOverfetch = 3
	}
	const lexicalOverfetchFactor = 10

	lexicalHits, err := r.lexical.Search(ctx, query, limit*lexicalOverfetchFactor)
	if err != nil {
		return nil, err
	}
	lexicalByID := make(map[int64]float64, len(lexicalHits))
	for _, h := range lexicalHits {
		lexicalByID[h.ChunkID] = h.Similarity
	}

	results := make([]SearchResult, 0, len(targets))
	for _, target := range targets {
		vec, err := target.Embedder.Embed(ctx, query)
		if err != nil {
			return nil, kerrors.Internal("embed query for search", err)
		}

		ids, distances, err := target.Table.Query(ctx, vec, limit*vectorOverfetch)
		if err != nil {
			return nil, err
		}

		type scored struct {
			id    int64
			score float64
		}
		scoredHits := make([]scored, 0, len(ids))
		for i, id := range ids {
			fused := alpha * (1 - float64(distances[i]))
			if sim, ok := lexicalByID[id]; ok {
				fused += (1 - alpha) * sim
			}
			scoredHits = append(scoredHits, scored{id: id, score: fused})
		}
		sort.Slice(scoredHits, func(i, j int) bool { return scoredHits[i].score > scoredHits[j].score })
		if len(scoredHits) > limit {
			scoredHits = scoredHits[:limit]
		}

		hits := make([]Hit, 0, len(scoredHits))
		for _, sh := range scoredHits {
			content, metadata, err := r.lexical.Get(ctx, sh.id)
			if err != nil {
				continue // materialization depends on the lexical row surviving alongside the vector
			}
			hits = append(hits, Hit{ChunkID: sh.id, Content: content, Metadata: metadata, FusedScore: sh.score})
		}

		results = append(results, SearchResult{Embedding: target.Config.ConfigName, Hits: hits})
	}
	return results, nil
}

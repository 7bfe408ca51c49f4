package embed

import (
	"context"
	"hash/fnv"
)

// StubEmbedder is a deterministic, dependency-free Embedder for tests: it
// derives a vector with components in [0, 1) from the text's FNV hash
// instead of running a real model; the vector is not normalized. Two calls with identical text always produce identical vectors.
type StubEmbedder struct {
	dims      int
	maxLength int
	modelName string
}

// NewStubEmbedder creates a stub with the given output width.
func NewStubEmbedder(dims int) *StubEmbedder {
	return &StubEmbedder{dims: dims, maxLength: 8192, modelName: "stub-embedder"}
}

func (s *StubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, s.dims)
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(int64(seed>>40)%1000) / 1000.0
	}
	return v, nil
}

func (s *StubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *StubEmbedder) Dimensions() int             { return s.dims }
func (s *StubEmbedder) MaxLength() int              { return s.maxLength }
func (s *StubEmbedder) ModelName() string           { return s.modelName }
func (s *StubEmbedder) Available(_ context.Context) bool { return true }
func (s *StubEmbedder) Close() error                { return nil }

package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	*StubEmbedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.StubEmbedder.Embed(ctx, text)
}

func TestCachedEmbedder_Embed_CachesByText(t *testing.T) {
	// Given: an embedder wrapped with a cache
	inner := &countingEmbedder{StubEmbedder: NewStubEmbedder(8)}
	cached := NewCachedEmbedder(inner, 10)

	// When: embedding the same text twice
	v1, err := cached.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	v2, err := cached.Embed(context.Background(), "hello world")
	require.NoError(t, err)

	// Then: the inner embedder only runs once and results match
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, v1, v2)
}

func TestCachedEmbedder_Embed_DifferentTextMisses(t *testing.T) {
	inner := &countingEmbedder{StubEmbedder: NewStubEmbedder(8)}
	cached := NewCachedEmbedder(inner, 10)

	_, err := cached.Embed(context.Background(), "a")
	require.NoError(t, err)
	_, err = cached.Embed(context.Background(), "b")
	require.NoError(t, err)

	assert.Equal(t, 2, inner.calls)
}

func TestCachedEmbedder_EmbedBatch_MixedCacheHits(t *testing.T) {
	inner := &countingEmbedder{StubEmbedder: NewStubEmbedder(8)}
	cached := NewCachedEmbedder(inner, 10)

	_, err := cached.Embed(context.Background(), "cached")
	require.NoError(t, err)
	inner.calls = 0

	results, err := cached.EmbedBatch(context.Background(), []string{"cached", "fresh"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, inner.calls)
}

func TestNewCachedEmbedder_DefaultsSizeWhenNonPositive(t *testing.T) {
	inner := NewStubEmbedder(4)
	cached := NewCachedEmbedder(inner, 0)
	assert.NotNil(t, cached)
}

func TestCachedEmbedder_PassesThroughMetadata(t *testing.T) {
	inner := NewStubEmbedder(16)
	cached := NewCachedEmbedderWithDefaults(inner)

	assert.Equal(t, 16, cached.Dimensions())
	assert.Equal(t, inner.MaxLength(), cached.MaxLength())
	assert.Equal(t, inner.ModelName(), cached.ModelName())
	assert.True(t, cached.Available(context.Background()))
	assert.NoError(t, cached.Close())
}

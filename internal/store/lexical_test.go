package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLexicalIndex(t *testing.T) *LexicalIndex {
	t.Helper()
	_, conn := openTestStore(t)
	idx, err := NewLexicalIndex(context.Background(), conn, "owner-1", nil)
	require.NoError(t, err)
	return idx
}

func TestLexicalIndex_UpsertAndSearch_Basic(t *testing.T) {
	idx := openTestLexicalIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, 1, "func getUserById", "Intro>Users"))
	require.NoError(t, idx.Upsert(ctx, 2, "func createUser", "Intro>Users"))
	require.NoError(t, idx.Upsert(ctx, 3, "func deleteUser", "Intro>Users"))

	results, err := idx.Search(ctx, "user", 10)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	for _, r := range results {
		assert.Greater(t, r.Similarity, 0.0)
	}
}

func TestLexicalIndex_Upsert_IsIdempotentReplace(t *testing.T) {
	idx := openTestLexicalIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, 1, "original content", ""))
	require.NoError(t, idx.Upsert(ctx, 1, "updated content", ""))

	results, err := idx.Search(ctx, "updated", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].ChunkID)

	results, err = idx.Search(ctx, "original", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLexicalIndex_Delete_RemovesRow(t *testing.T) {
	idx := openTestLexicalIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, 1, "unique content here", ""))
	require.NoError(t, idx.Delete(ctx, 1))

	results, err := idx.Search(ctx, "unique", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLexicalIndex_Delete_AbsentFailsNotFound(t *testing.T) {
	idx := openTestLexicalIndex(t)
	ctx := context.Background()

	err := idx.Delete(ctx, 999)
	require.Error(t, err)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestLexicalIndex_Search_EmptyQueryReturnsEmpty(t *testing.T) {
	idx := openTestLexicalIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, 1, "some content", ""))

	results, err := idx.Search(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = idx.Search(ctx, "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLexicalIndex_Search_RanksMultiTermMatchHigher(t *testing.T) {
	idx := openTestLexicalIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, 1, "handle http request", ""))
	require.NoError(t, idx.Upsert(ctx, 2, "process http response", ""))
	require.NoError(t, idx.Upsert(ctx, 3, "handle database query", ""))

	results, err := idx.Search(ctx, "http handle", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, int64(1), results[0].ChunkID)
}

func TestLexicalIndex_Search_AfterCloseFails(t *testing.T) {
	idx := openTestLexicalIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, 1, "test content", ""))
	require.NoError(t, idx.Close())

	_, err := idx.Search(ctx, "test", 10)
	require.Error(t, err)
}

func TestLexicalIndex_Get_ReturnsContentAndMetadata(t *testing.T) {
	idx := openTestLexicalIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, 1, "func getUser", "Intro>Users"))

	content, metadata, err := idx.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "func getUser", content, "content column preserves the original text, not the tokenized search form")
	assert.Equal(t, "Intro>Users", metadata)
}

func TestLexicalIndex_CodeAwareAnalyzer_TokenizesCamelAndSnakeCase(t *testing.T) {
	idx := openTestLexicalIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, 1, "func getUserById", ""))
	require.NoError(t, idx.Upsert(ctx, 2, "def get_user_by_id", ""))

	results, err := idx.Search(ctx, "user", 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestBM25ToSimilarity_MonotonicWithScore(t *testing.T) {
	better := bm25ToSimilarity(-5.0)
	worse := bm25ToSimilarity(-1.0)
	assert.Greater(t, better, worse)
}

func TestHighlight_WrapsQueryTokens(t *testing.T) {
	out := Highlight("the quick brown fox", "quick fox")
	assert.Contains(t, out, "<mark>quick</mark>")
	assert.Contains(t, out, "<mark>fox</mark>")
}

func TestHighlight_DropsSubstringTokens(t *testing.T) {
	// "user" is a substring of "username"; only the longer token should wrap.
	out := Highlight("the username field", "user username")
	assert.Contains(t, out, "<mark>username</mark>")
	assert.NotContains(t, out, "<mark>user</mark> ")
}

func TestHighlight_NoMatchReturnsOriginal(t *testing.T) {
	out := Highlight("nothing in common", "zzz")
	assert.Equal(t, "nothing in common", out)
}

func TestHighlight_DropsShortTokensBelowMinLength(t *testing.T) {
	out := Highlight("a sentence with a word", "a longerword")
	assert.NotContains(t, out, "<mark>a</mark>")
}

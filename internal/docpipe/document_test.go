package docpipe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/embed"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/store"
)

type testRig struct {
	t         *testing.T
	ctx       context.Context
	root      string
	conn      *store.Conn
	lexical   *store.LexicalIndex
	targets   []EmbeddingTarget
	fileCache *FileCache
}

const testOwner = "docpipe-test"

func newTestRig(t *testing.T, dims int) *testRig {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	s, err := store.Open(filepath.Join(t.TempDir(), "relational.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	conn, err := s.Connection(testOwner)
	require.NoError(t, err)
	require.NoError(t, conn.InitSchema(ctx, testOwner))

	n, err := conn.Execute(ctx, testOwner,
		`INSERT INTO embedding_config(config_name, model_name, model_path, max_input_length, valid) VALUES ('default', 'stub', '', ?, 1)`,
		200)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	configID, err := conn.LastInsertID(ctx, testOwner)
	require.NoError(t, err)

	lexical, err := store.NewLexicalIndex(ctx, conn, testOwner, nil)
	require.NoError(t, err)

	vt, err := store.OpenVectorTable(filepath.Join(t.TempDir(), "vectors", "default"), dims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vt.Close() })

	target := EmbeddingTarget{
		Config: store.EmbeddingConfig{ID: configID, ConfigName: "default", MaxInputLength: 200},
		Embedder: embed.NewStubEmbedder(dims),
		Table:    vt,
	}

	return &testRig{
		t:         t,
		ctx:       ctx,
		root:      root,
		conn:      conn,
		lexical:   lexical,
		targets:   []EmbeddingTarget{target},
		fileCache: NewFileCache(DefaultFileCacheSize),
	}
}

func (r *testRig) writeFile(relPath, content string) {
	r.t.Helper()
	full := filepath.Join(r.root, relPath)
	require.NoError(r.t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(r.t, os.WriteFile(full, []byte(content), 0o644))
}

func (r *testRig) document(relPath string) *Document {
	r.t.Helper()
	d, err := NewDocument(r.ctx, r.conn, testOwner, r.lexical, r.targets, r.fileCache, r.root, relPath, true)
	require.NoError(r.t, err)
	return d
}

func (r *testRig) chunkCount(docID int64) int {
	r.t.Helper()
	rows, err := r.conn.Query(r.ctx, testOwner, `SELECT COUNT(*) FROM chunks WHERE doc_id = ?`, docID)
	require.NoError(r.t, err)
	defer rows.Close()
	require.True(r.t, rows.Next())
	var n int
	require.NoError(r.t, rows.Scan(&n))
	return n
}

func (r *testRig) documentCount() int {
	r.t.Helper()
	rows, err := r.conn.Query(r.ctx, testOwner, `SELECT COUNT(*) FROM documents`)
	require.NoError(r.t, err)
	defer rows.Close()
	require.True(r.t, rows.Next())
	var n int
	require.NoError(r.t, rows.Scan(&n))
	return n
}

func TestDocument_Check_NewFileIsCreated(t *testing.T) {
	r := newTestRig(t, 4)
	r.writeFile("a.md", "hello world")

	d := r.document("a.md")
	state, err := d.Check(r.ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, state)
}

func TestDocument_Check_MissingFileAndRowIsIgnored(t *testing.T) {
	r := newTestRig(t, 4)
	d := r.document("never-existed.md")

	state, err := d.Check(r.ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUnchanged, state)
}

func TestDocument_Process_Add_InsertsChunksAndIndexesThem(t *testing.T) {
	r := newTestRig(t, 4)
	r.writeFile("a.md", "first paragraph of reasonable length here.\n\nsecond paragraph also has its own content.\n\nthird paragraph rounds things out nicely.")

	d := r.document("a.md")
	_, err := d.Check(r.ctx)
	require.NoError(t, err)
	require.Equal(t, StateCreated, d.State())

	require.NoError(t, d.Process(r.ctx, nil, nil))
	require.NotNil(t, d.row)
	assert.Equal(t, 1, r.documentCount())
	assert.Greater(t, r.chunkCount(d.row.ID), 0)

	// Re-checking immediately reports Unchanged: mtime matches and
	// last_checked was just stamped.
	state, err := d.Check(r.ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUnchanged, state)
}

func TestDocument_Process_Delete_RemovesDocumentAndChunks(t *testing.T) {
	r := newTestRig(t, 4)
	r.writeFile("a.md", "some content that will be indexed and then deleted")
	d := r.document("a.md")
	_, err := d.Check(r.ctx)
	require.NoError(t, err)
	require.NoError(t, d.Process(r.ctx, nil, nil))
	docID := d.row.ID
	require.Greater(t, r.chunkCount(docID), 0)

	require.NoError(t, os.Remove(filepath.Join(r.root, "a.md")))

	// A fresh Document instance models a new pipeline pass picking the row
	// back up from the database (spec's Unknown -> check() entry point).
	d2 := r.document("a.md")
	state, err := d2.Check(r.ctx)
	require.NoError(t, err)
	require.Equal(t, StateDeleted, state)

	require.NoError(t, d2.Process(r.ctx, nil, nil))
	assert.Equal(t, 0, r.documentCount())
	assert.Equal(t, 0, r.chunkCount(docID))
}

func TestDocument_Process_Modified_ReconcilesChangedChunksOnly(t *testing.T) {
	r := newTestRig(t, 4)
	r.writeFile("a.md", "alpha content block one\n\nbravo content block two\n\ncharlie content block three")
	d := r.document("a.md")
	_, err := d.Check(r.ctx)
	require.NoError(t, err)
	require.NoError(t, d.Process(r.ctx, nil, nil))
	docID := d.row.ID
	before := r.chunkCount(docID)
	require.Greater(t, before, 0)

	// Force the mtime forward and change only the first paragraph. The
	// whole file fits in one chunk, so the edit replaces that chunk; the
	// count check confirms the stale row is removed rather than left
	// beside the new one.
	time.Sleep(10 * time.Millisecond)
	r.writeFile("a.md", "alpha content block ONE CHANGED\n\nbravo content block two\n\ncharlie content block three")
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(r.root, "a.md"), future, future))

	d2 := r.document("a.md")
	state, err := d2.Check(r.ctx)
	require.NoError(t, err)
	require.Equal(t, StateModified, state)

	require.NoError(t, d2.Process(r.ctx, nil, nil))
	after := r.chunkCount(docID)
	assert.Equal(t, before, after, "same number of logical chunks before and after an edit to one paragraph")
}

func TestDocument_Process_Add_RespectsStopFlag(t *testing.T) {
	r := newTestRig(t, 4)
	content := ""
	for i := 0; i < 6; i++ {
		content += "paragraph number filler text to pad it out a little bit\n\n"
	}
	r.writeFile("a.md", content)

	d := r.document("a.md")
	_, err := d.Check(r.ctx)
	require.NoError(t, err)

	// The first poll is updateToTables' per-target check and the second
	// is the add phase's check before the first chunk; stopping on the
	// third poll lets exactly one chunk in.
	stop := &stopAfterN{limit: 2}
	require.NoError(t, d.Process(r.ctx, nil, stop))
	require.NotNil(t, d.row)

	partial := r.chunkCount(d.row.ID)
	assert.Greater(t, partial, 0)
	assert.Less(t, partial, 6, "stop flag should have cut the add phase short")
}

type stopAfterN struct {
	calls int
	limit int
}

func (s *stopAfterN) Stopped() bool {
	s.calls++
	return s.calls > s.limit
}

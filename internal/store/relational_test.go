package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, *Conn) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relational.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	conn, err := s.Connection("owner-1")
	require.NoError(t, err)
	require.NoError(t, conn.InitSchema(context.Background(), "owner-1"))
	return s, conn
}

func TestStore_Connection_SameOwnerReturnsSameConn(t *testing.T) {
	s, conn := openTestStore(t)

	conn2, err := s.Connection("owner-1")
	require.NoError(t, err)
	assert.Same(t, conn, conn2)
}

func TestConn_Execute_RejectsForeignOwner(t *testing.T) {
	_, conn := openTestStore(t)

	_, err := conn.Execute(context.Background(), "someone-else", "SELECT 1")
	require.Error(t, err)
}

func TestConn_Begin_TopLevelCommit(t *testing.T) {
	_, conn := openTestStore(t)
	ctx := context.Background()

	tx, err := conn.Begin(ctx, "owner-1")
	require.NoError(t, err)

	_, err = conn.Execute(ctx, "owner-1", `INSERT INTO documents(name, last_modified, file_size, content_hash, last_checked)
		VALUES ('a.md', 1, 10, 42, 1)`)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	var count int
	row, err := conn.Query(ctx, "owner-1", "SELECT COUNT(*) FROM documents")
	require.NoError(t, err)
	defer row.Close()
	require.True(t, row.Next())
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}

func TestConn_Begin_NestedSavepointRollback(t *testing.T) {
	_, conn := openTestStore(t)
	ctx := context.Background()

	outer, err := conn.Begin(ctx, "owner-1")
	require.NoError(t, err)

	_, err = conn.Execute(ctx, "owner-1", `INSERT INTO documents(name, last_modified, file_size, content_hash, last_checked)
		VALUES ('outer.md', 1, 1, 1, 1)`)
	require.NoError(t, err)

	inner, err := conn.Begin(ctx, "owner-1")
	require.NoError(t, err)
	_, err = conn.Execute(ctx, "owner-1", `INSERT INTO documents(name, last_modified, file_size, content_hash, last_checked)
		VALUES ('inner.md', 1, 1, 1, 1)`)
	require.NoError(t, err)

	// Rolling back the nested savepoint must not undo the outer insert.
	require.NoError(t, inner.Rollback(ctx))
	require.NoError(t, outer.Commit(ctx))

	rows, err := conn.Query(ctx, "owner-1", "SELECT name FROM documents ORDER BY name")
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	assert.Equal(t, []string{"outer.md"}, names)
}

func TestConn_Commit_OutOfOrderNestingFails(t *testing.T) {
	_, conn := openTestStore(t)
	ctx := context.Background()

	outer, err := conn.Begin(ctx, "owner-1")
	require.NoError(t, err)
	_, err = conn.Begin(ctx, "owner-1")
	require.NoError(t, err)

	// Committing the outer transaction while the inner savepoint is still
	// open violates the stack-nesting invariant.
	err = outer.Commit(ctx)
	require.Error(t, err)
}

func TestConn_Rollback_IsIdempotent(t *testing.T) {
	_, conn := openTestStore(t)
	ctx := context.Background()

	tx, err := conn.Begin(ctx, "owner-1")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx))
}

func TestConn_InitSchema_UniqueChunkIndexPerEmbedding(t *testing.T) {
	_, conn := openTestStore(t)
	ctx := context.Background()

	_, err := conn.Execute(ctx, "owner-1", `INSERT INTO documents(name, last_modified, file_size, content_hash, last_checked)
		VALUES ('a.md', 1, 1, 1, 1)`)
	require.NoError(t, err)
	_, err = conn.Execute(ctx, "owner-1", `INSERT INTO embedding_config(config_name, model_name, model_path, max_input_length, valid)
		VALUES ('cfg', 'model', '/path', 512, 1)`)
	require.NoError(t, err)

	insertChunk := `INSERT INTO chunks(doc_id, embedding_id, chunk_index, content_hash, begin_line, end_line)
		VALUES (1, 1, ?, 1, 0, 1)`
	_, err = conn.Execute(ctx, "owner-1", insertChunk, 0)
	require.NoError(t, err)

	_, err = conn.Execute(ctx, "owner-1", insertChunk, 0)
	require.Error(t, err, "duplicate chunk_index for the same embedding must violate the partial unique index")

	// NULL chunk_index (transient, per spec open question) must not collide.
	_, err = conn.Execute(ctx, "owner-1", insertChunk, nil)
	require.NoError(t, err)
	_, err = conn.Execute(ctx, "owner-1", insertChunk, nil)
	require.NoError(t, err)
}

func TestConn_Reconstruct_PreservesEmbeddingConfig(t *testing.T) {
	_, conn := openTestStore(t)
	ctx := context.Background()

	_, err := conn.Execute(ctx, "owner-1", `INSERT INTO documents(name, last_modified, file_size, content_hash, last_checked)
		VALUES ('a.md', 1, 1, 1, 1)`)
	require.NoError(t, err)
	_, err = conn.Execute(ctx, "owner-1", `INSERT INTO embedding_config(config_name, model_name, model_path, max_input_length, valid)
		VALUES ('cfg', 'model', '/path', 512, 1)`)
	require.NoError(t, err)
	_, err = conn.Execute(ctx, "owner-1", `INSERT INTO chunks(doc_id, embedding_id, chunk_index, content_hash, begin_line, end_line)
		VALUES (1, 1, 0, 1, 0, 1)`)
	require.NoError(t, err)

	require.NoError(t, conn.Reconstruct(ctx, "owner-1"))

	var docCount, chunkCount, cfgCount int
	require.NoError(t, conn.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&docCount))
	require.NoError(t, conn.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&chunkCount))
	require.NoError(t, conn.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embedding_config").Scan(&cfgCount))

	assert.Equal(t, 0, docCount)
	assert.Equal(t, 0, chunkCount)
	assert.Equal(t, 1, cfgCount)
}

package docpipe

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/chunk"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/embed"
	kerrors "github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/errors"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/store"
)

// TokenCounter is an optional capability an embed.Embedder may implement to
// give the Markdown chunker a token-based length oracle (spec §4.4: "token
// count for Markdown when supplied an embedding tokenizer"). Embedders that
// don't implement it fall back to byte length, matching plain-text
// behavior — this is an ordinary Go optional-interface check, not a new
// dependency.
type TokenCounter interface {
	CountTokens(s string) int
}

func oracleFor(embedder embed.Embedder) chunk.LengthOracle {
	if tc, ok := embedder.(TokenCounter); ok {
		return tc.CountTokens
	}
	return chunk.ByteLengthOracle
}

// Document is one per-file state-machine instance (spec §4.5): it owns no
// storage itself, borrowing a relational Conn, a LexicalIndex, and one
// EmbeddingTarget per valid embedding configuration from its caller (the
// repository). Grounded on the teacher's internal/index/coordinator.go,
// generalized from coordinator.go's whole-file add/remove pair into spec's
// explicit Unknown/Unchanged/Created/Modified/Deleted state machine plus
// per-chunk content-hash reconciliation.
type Document struct {
	conn      *store.Conn
	ownerID   string
	lexical   *store.LexicalIndex
	targets   []EmbeddingTarget
	fileCache *FileCache

	root      string // repository root, absolute
	path      string // relative path, unique within documents
	plainText bool   // true skips the Markdown heading pass (spec §4.4)

	row   *store.Document // nil until Check finds/creates a row
	state State
}

// NewDocument loads the document's existing relational row, if any, and
// returns a pipeline instance in StateUnknown. Call Check before Process.
func NewDocument(ctx context.Context, conn *store.Conn, ownerID string, lexical *store.LexicalIndex, targets []EmbeddingTarget, fileCache *FileCache, root, relPath string, plainText bool) (*Document, error) {
	d := &Document{
		conn:      conn,
		ownerID:   ownerID,
		lexical:   lexical,
		targets:   targets,
		fileCache: fileCache,
		root:      root,
		path:      relPath,
		plainText: plainText,
		state:     StateUnknown,
	}
	row, err := d.loadRow(ctx)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ErrExecuteFailed, err)
	}
	d.row = row
	return d, nil
}

// Path is the document's repository-relative path.
func (d *Document) Path() string { return d.path }

// State returns the outcome of the most recent Check call.
func (d *Document) State() State { return d.state }

func (d *Document) loadRow(ctx context.Context) (*store.Document, error) {
	rows, err := d.conn.Query(ctx, d.ownerID,
		`SELECT id, last_modified, file_size, content_hash, last_checked FROM documents WHERE name = ?`, d.path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var row store.Document
	var contentHash int64
	if err := rows.Scan(&row.ID, &row.LastModified, &row.FileSize, &contentHash, &row.LastChecked); err != nil {
		return nil, err
	}
	row.Name = d.path
	row.ContentHash = uint64(contentHash)
	return &row, nil
}

func (d *Document) readFile() ([]byte, error) {
	return d.fileCache.Read(filepath.Join(d.root, d.path))
}

// Check runs spec §4.5's check algorithm and records the resulting state.
func (d *Document) Check(ctx context.Context) (State, error) {
	full := filepath.Join(d.root, d.path)
	info, statErr := os.Lstat(full)
	missing := statErr != nil && os.IsNotExist(statErr)

	switch {
	case missing && d.row == nil:
		// "file missing and row absent, ignore" — nothing to do.
		d.state = StateUnchanged

	case missing:
		d.state = StateDeleted

	case statErr != nil:
		return StateUnknown, kerrors.FileAccess(fmt.Sprintf("stat %s", d.path), statErr)

	case d.row == nil:
		d.state = StateCreated

	case info.ModTime().Unix() != d.row.LastModified:
		d.state = StateModified

	case time.Now().Unix()-d.row.LastChecked > int64(MaxUncheckedInterval.Seconds()):
		content, err := d.readFile()
		if err != nil {
			return StateUnknown, kerrors.FileAccess(fmt.Sprintf("read %s", d.path), err)
		}
		if hashBytes(content) != d.row.ContentHash {
			d.state = StateModified
		} else {
			d.state = StateUnchanged
		}

	default:
		d.state = StateUnchanged
	}
	return d.state, nil
}

// Process runs the action for the current state (spec §4.5: "no-op for
// Unchanged"). progress and stop may be nil.
func (d *Document) Process(ctx context.Context, progress Reporter, stop StopFlag) error {
	if stop == nil {
		stop = NoStop
	}
	if progress == nil {
		progress = NullReporter
	}

	switch d.state {
	case StateUnchanged, StateUnknown:
		return nil
	case StateCreated:
		return d.add(ctx, progress, stop)
	case StateModified:
		return d.update(ctx, progress, stop)
	case StateDeleted:
		return d.delete(ctx)
	default:
		return kerrors.Internal(fmt.Sprintf("docpipe: unhandled state %v for %s", d.state, d.path), nil)
	}
}

// add inserts a placeholder document row under a short transaction to
// capture doc_id, populates its chunks, then records the real mtime/size/
// hash (spec §4.5 "Add action").
func (d *Document) add(ctx context.Context, progress Reporter, stop StopFlag) error {
	full := filepath.Join(d.root, d.path)
	info, err := os.Lstat(full)
	if err != nil {
		return kerrors.FileAccess(fmt.Sprintf("stat %s", d.path), err)
	}

	tx, err := d.conn.Begin(ctx, d.ownerID)
	if err != nil {
		return err
	}
	if _, err := d.conn.Execute(ctx, d.ownerID,
		`INSERT INTO documents(name, last_modified, file_size, content_hash, last_checked) VALUES (?, 0, 0, 0, 0)`,
		d.path); err != nil {
		_ = tx.Rollback(ctx)
		return kerrors.Wrap(kerrors.ErrExecuteFailed, err)
	}
	id, err := d.conn.LastInsertID(ctx, d.ownerID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	d.row = &store.Document{ID: id, Name: d.path}

	if err := d.updateToTables(ctx, progress, stop); err != nil {
		return err
	}

	content, err := d.readFile()
	if err != nil {
		return kerrors.FileAccess(fmt.Sprintf("read %s", d.path), err)
	}
	return d.updateSQLite(ctx, hashBytes(content), info.ModTime().Unix(), info.Size(), time.Now().Unix())
}

// update reconciles chunks then records the new mtime/size/hash (spec §4.5
// "Update action").
func (d *Document) update(ctx context.Context, progress Reporter, stop StopFlag) error {
	full := filepath.Join(d.root, d.path)
	info, err := os.Lstat(full)
	if err != nil {
		return kerrors.FileAccess(fmt.Sprintf("stat %s", d.path), err)
	}
	// The cached body (if any) is the pre-change content; Check may have
	// already read it, but a real content change means the cache is stale.
	d.fileCache.Invalidate(full)

	if err := d.updateToTables(ctx, progress, stop); err != nil {
		return err
	}

	content, err := d.readFile()
	if err != nil {
		return kerrors.FileAccess(fmt.Sprintf("read %s", d.path), err)
	}
	return d.updateSQLite(ctx, hashBytes(content), info.ModTime().Unix(), info.Size(), time.Now().Unix())
}

func (d *Document) updateSQLite(ctx context.Context, hash uint64, mtime, size, now int64) error {
	if _, err := d.conn.Execute(ctx, d.ownerID,
		`UPDATE documents SET last_modified = ?, file_size = ?, content_hash = ?, last_checked = ? WHERE id = ?`,
		mtime, size, int64(hash), now, d.row.ID); err != nil {
		return kerrors.Wrap(kerrors.ErrExecuteFailed, err)
	}
	d.row.LastModified = mtime
	d.row.FileSize = size
	d.row.ContentHash = hash
	d.row.LastChecked = now
	return nil
}

// delete tears the document down: chunk rows, the document row, lexical
// rows, and every vector table's rows for its chunk ids (spec §4.5 "Delete
// action"). The relational deletes are one transaction; the lexical/vector
// deletes are separate storage engines and run after commit, matching the
// architecture's three independent stores (no cross-engine 2PC — see
// DESIGN.md).
func (d *Document) delete(ctx context.Context) error {
	if d.row == nil {
		return nil
	}

	tx, err := d.conn.Begin(ctx, d.ownerID)
	if err != nil {
		return err
	}

	rows, err := d.conn.Query(ctx, d.ownerID, `SELECT chunk_id FROM chunks WHERE doc_id = ?`, d.row.ID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return kerrors.Wrap(kerrors.ErrExecuteFailed, err)
	}
	var chunkIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			_ = tx.Rollback(ctx)
			return kerrors.Wrap(kerrors.ErrExecuteFailed, err)
		}
		chunkIDs = append(chunkIDs, id)
	}
	scanErr := rows.Err()
	rows.Close()
	if scanErr != nil {
		_ = tx.Rollback(ctx)
		return kerrors.Wrap(kerrors.ErrExecuteFailed, scanErr)
	}

	if _, err := d.conn.Execute(ctx, d.ownerID, `DELETE FROM chunks WHERE doc_id = ?`, d.row.ID); err != nil {
		_ = tx.Rollback(ctx)
		return kerrors.Wrap(kerrors.ErrExecuteFailed, err)
	}

	n, err := d.conn.Execute(ctx, d.ownerID, `DELETE FROM documents WHERE id = ?`, d.row.ID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return kerrors.Wrap(kerrors.ErrExecuteFailed, err)
	}
	if n != 1 {
		_ = tx.Rollback(ctx)
		return kerrors.Internal(fmt.Sprintf("delete of document %q changed %d rows, want 1", d.path, n), nil)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for _, id := range chunkIDs {
		if err := d.lexical.Delete(ctx, id); err != nil && !isNotFoundErr(err) {
			slog.Warn("failed to delete lexical row for removed document",
				slog.String("path", d.path), slog.Int64("chunk_id", id), slog.String("error", err.Error()))
		}
	}
	for _, target := range d.targets {
		if err := target.Table.RemoveIfExists(ctx, chunkIDs); err != nil {
			slog.Warn("failed to remove vectors for removed document",
				slog.String("path", d.path), slog.String("embedding", target.Config.ConfigName), slog.String("error", err.Error()))
		}
	}

	d.row = nil
	d.state = StateUnchanged
	return nil
}

func isNotFoundErr(err error) bool {
	var nf *store.NotFoundError
	return stderrors.As(err, &nf)
}

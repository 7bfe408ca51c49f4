package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/errors"

	_ "modernc.org/sqlite" // pure Go driver, no CGO
)

// Store is a thread-safe embedded SQL database (spec §4.1): logically one
// database per path, physically handing out one *Conn per owner on first
// use. Go has no addressable thread/goroutine id, so "thread" is modeled as
// a caller-supplied ownerID (typically a goroutine's stable name, e.g. the
// document pipeline worker's document path, or the sweep loop's own tag).
// Statements and transactions opened under one ownerID must be
// stepped/committed under that same ownerID; the store refuses otherwise
// with a thread-affinity error (spec §4.1, §9 "thread-local database
// connections").
//
// Grounded on the teacher's sqlite_bm25.go connection setup (WAL mode,
// busy_timeout, single-connection pool per DB handle).
type Store struct {
	path string

	mu    sync.Mutex
	conns map[string]*Conn
}

// Open creates or opens the relational store at path, creating parent
// directories as needed. The file is not connected to until the first
// Connection call for a given owner.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(errors.ErrOpenFailed, fmt.Errorf("create directory for %s: %w", path, err))
		}
	}
	return &Store{path: path, conns: make(map[string]*Conn)}, nil
}

// Connection returns the *Conn owned by ownerID, opening a fresh underlying
// SQLite connection on first use for that owner.
func (s *Store) Connection(ownerID string) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conns[ownerID]; ok {
		return c, nil
	}

	dsn := s.path
	if dsn != ":memory:" {
		dsn = dsn + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrOpenFailed, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(errors.ErrOpenFailed, fmt.Errorf("pragma %q: %w", p, err))
		}
	}

	c := &Conn{ownerID: ownerID, db: db}
	s.conns[ownerID] = c
	return c, nil
}

// CloseConnection closes and forgets the connection owned by ownerID,
// mirroring spec §9's "on thread exit, close that thread's connections".
func (s *Store) CloseConnection(ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[ownerID]
	if !ok {
		return nil
	}
	delete(s.conns, ownerID)
	return c.db.Close()
}

// Close closes every open connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, c := range s.conns {
		if err := c.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.conns, id)
	}
	return firstErr
}

// Conn is one owner's private connection, with its own transaction/savepoint
// stack. Every method takes the calling ownerID and rejects a mismatch with
// ErrThreadAffinity.
type Conn struct {
	ownerID string
	db      *sql.DB

	mu    sync.Mutex
	stack []*Tx
}

func (c *Conn) checkOwner(ownerID string) error {
	if ownerID != c.ownerID {
		return errors.New(errors.ErrThreadAffinity,
			fmt.Sprintf("connection owned by %q, called from %q", c.ownerID, ownerID), nil)
	}
	return nil
}

// Execute runs a statement outside of any explicit transaction and returns
// the number of rows changed.
func (c *Conn) Execute(ctx context.Context, ownerID, query string, args ...any) (int64, error) {
	if err := c.checkOwner(ownerID); err != nil {
		return 0, err
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(errors.ErrExecuteFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.ErrExecuteFailed, err)
	}
	return n, nil
}

// Query runs a read query outside of any explicit transaction.
func (c *Conn) Query(ctx context.Context, ownerID, query string, args ...any) (*sql.Rows, error) {
	if err := c.checkOwner(ownerID); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExecuteFailed, err)
	}
	return rows, nil
}

// Prepare compiles a statement for repeated use under this connection.
func (c *Conn) Prepare(ctx context.Context, ownerID, query string) (*sql.Stmt, error) {
	if err := c.checkOwner(ownerID); err != nil {
		return nil, err
	}
	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExecuteFailed, err)
	}
	return stmt, nil
}

// Begin opens a new transaction handle: a real BEGIN at the bottom of the
// stack, a named SAVEPOINT at every nested level (spec §4.1 "Transactions").
func (c *Conn) Begin(ctx context.Context, ownerID string) (*Tx, error) {
	if err := c.checkOwner(ownerID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	level := len(c.stack)
	name := fmt.Sprintf("sp_%d", level)
	var err error
	if level == 0 {
		_, err = c.db.ExecContext(ctx, "BEGIN")
	} else {
		_, err = c.db.ExecContext(ctx, "SAVEPOINT "+name)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransactionError, err)
	}

	tx := &Tx{conn: c, ownerID: ownerID, level: level, name: name}
	c.stack = append(c.stack, tx)
	return tx, nil
}

// Tx is a handle tracking its position on its connection's savepoint stack
// (spec §4.1). Commit of a non-top handle fails with a nesting error; an
// unresolved handle should be rolled back by the caller (idiomatic
// `defer tx.Rollback()` right after Begin — Rollback is a no-op once the
// handle has committed, matching database/sql.Tx's own contract).
type Tx struct {
	conn    *Conn
	ownerID string
	level   int
	name    string
	done    bool
}

// Commit releases this savepoint (or commits the outermost transaction).
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	if err := t.conn.checkOwner(t.ownerID); err != nil {
		return err
	}

	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()

	if t.level != len(t.conn.stack)-1 {
		return errors.New(errors.ErrTransactionNesting,
			fmt.Sprintf("cannot commit transaction at level %d while %d levels are open", t.level, len(t.conn.stack)), nil)
	}

	var err error
	if t.level == 0 {
		_, err = t.conn.db.ExecContext(ctx, "COMMIT")
	} else {
		_, err = t.conn.db.ExecContext(ctx, "RELEASE SAVEPOINT "+t.name)
	}
	if err != nil {
		return errors.Wrap(errors.ErrTransactionError, err)
	}

	t.done = true
	t.conn.stack = t.conn.stack[:t.level]
	return nil
}

// Rollback undoes this savepoint (or the outermost transaction). It is a
// no-op if the handle already committed.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	if err := t.conn.checkOwner(t.ownerID); err != nil {
		return err
	}

	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()

	if t.level != len(t.conn.stack)-1 {
		return errors.New(errors.ErrTransactionNesting,
			fmt.Sprintf("cannot roll back transaction at level %d while %d levels are open", t.level, len(t.conn.stack)), nil)
	}

	var err error
	if t.level == 0 {
		_, err = t.conn.db.ExecContext(ctx, "ROLLBACK")
	} else {
		_, err = t.conn.db.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.name)
		if err == nil {
			_, err = t.conn.db.ExecContext(ctx, "RELEASE SAVEPOINT "+t.name)
		}
	}
	if err != nil {
		return errors.Wrap(errors.ErrFatalError, err)
	}

	t.done = true
	t.conn.stack = t.conn.stack[:t.level]
	return nil
}

// LastInsertID returns the rowid of the most recent insert by ownerID's
// connection.
func (c *Conn) LastInsertID(ctx context.Context, ownerID string) (int64, error) {
	if err := c.checkOwner(ownerID); err != nil {
		return 0, err
	}
	var id int64
	row := c.db.QueryRowContext(ctx, "SELECT last_insert_rowid()")
	if err := row.Scan(&id); err != nil {
		return 0, errors.Wrap(errors.ErrExecuteFailed, err)
	}
	return id, nil
}

// InitSchema creates the relational tables spec §3 describes: documents,
// embedding_config, chunks. The lexical FTS5 table and vector sidecar tables
// are owned by their respective packages (lexical.go, vectortable.go).
func (c *Conn) InitSchema(ctx context.Context, ownerID string) error {
	if err := c.checkOwner(ownerID); err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		name          TEXT UNIQUE NOT NULL,
		last_modified INTEGER NOT NULL,
		file_size     INTEGER NOT NULL,
		content_hash  INTEGER NOT NULL,
		last_checked  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS embedding_config (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		config_name      TEXT UNIQUE NOT NULL,
		model_name       TEXT NOT NULL,
		model_path       TEXT NOT NULL,
		max_input_length INTEGER NOT NULL,
		valid            INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id     INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id       INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		embedding_id INTEGER NOT NULL REFERENCES embedding_config(id) ON DELETE CASCADE,
		chunk_index  INTEGER,
		content_hash INTEGER NOT NULL,
		begin_line   INTEGER NOT NULL,
		end_line     INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_doc_embedding_index
		ON chunks(doc_id, embedding_id, chunk_index)
		WHERE chunk_index IS NOT NULL;
	`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	return nil
}

// Reconstruct deletes every row of chunks and documents, leaving the schema
// in place — used by the repository's reconstruct operation (spec §4.6).
// Embedding-config rows survive.
func (c *Conn) Reconstruct(ctx context.Context, ownerID string) error {
	if err := c.checkOwner(ownerID); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, "DELETE FROM chunks"); err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	if _, err := c.db.ExecContext(ctx, "DELETE FROM documents"); err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	return nil
}

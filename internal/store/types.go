// Package store implements the kernel's three persistence surfaces (spec §3,
// §4.1-§4.3): a thread-affine relational store over SQLite, an FTS5-backed
// lexical index, and an HNSW-backed vector table with a SQLite sidecar state
// machine. Grounded on the teacher's internal/store package, generalized from
// a single BM25+vector pair to the spec's named entities (Document, Embedding
// configuration, Chunk, Lexical row, Vector row).
package store

import "fmt"

// Document is one row per file present in the repository (spec §3).
type Document struct {
	ID           int64
	Name         string // relative path, unique
	LastModified int64  // filesystem mtime, seconds
	FileSize     int64
	ContentHash  uint64 // 64-bit non-cryptographic digest of file bytes
	LastChecked  int64  // wall-clock seconds when the pipeline last verified this row
}

// EmbeddingConfig is one row per (name, model, path, max-input-length) tuple.
type EmbeddingConfig struct {
	ID             int64
	ConfigName     string // unique
	ModelName      string
	ModelPath      string
	MaxInputLength int
	Valid          bool // soft-delete flag
}

// Chunk is one row per (document, embedding_config, chunk_index).
type Chunk struct {
	ChunkID     int64
	DocID       int64
	EmbeddingID int64
	// ChunkIndex is 1-based and may transiently be null during reindex;
	// nil here means "unset" (spec §4.5 step 3, §9 open question (a)).
	ChunkIndex  *int64
	ContentHash uint64 // digest of content+metadata
	BeginLine   int
	EndLine     int
}

// LexicalRow is keyed by chunk_id; content/metadata live in the FTS5 table.
type LexicalRow struct {
	ChunkID  int64
	Content  string
	Metadata string
}

// VectorRowState is the sidecar flag triple from spec §3's state table.
type VectorRowState struct {
	Valid     bool
	Writeback bool
	Deleted   bool
}

// VectorRow is keyed by chunk_id, used directly as the ANN label.
type VectorRow struct {
	ChunkID int64
	State   VectorRowState
}

// NotFoundError reports a missing row where the caller required one to
// exist (e.g. delete, reconstruct).
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("store: %s %d not found", e.Kind, e.ID)
}

// AlreadyExistsError reports a uniqueness violation (an id that is already
// present). Nothing in this package returns it; removing an already-removed
// vector yields NotFoundError.
type AlreadyExistsError struct {
	Kind string
	ID   int64
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("store: %s %d already exists or already in that state", e.Kind, e.ID)
}

// DimensionMismatchError reports a vector whose length doesn't match the
// table's configured dimensionality.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("store: vector dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

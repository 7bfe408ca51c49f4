// Package repository implements spec §4.6: the owner of one relational
// store, one lexical index, and N vector tables (one per valid embedding
// configuration), a background reconciliation sweep, and hybrid search.
//
// Grounded on the teacher's internal/index/coordinator.go (reconciliation
// pass shape, RunnerDependencies-style injected collaborators) and
// internal/watcher/watcher.go (event model), generalized into spec §4.6's
// poll-based sweep plus optional fsnotify accelerant, and its hybrid
// lexical+vector fused-score search.
package repository

import (
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/embed"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/store"
)

// EmbedderFactory builds the embed.Embedder for one embedding_config row.
// Injected rather than constructed inline, matching the teacher's
// RunnerDependencies pattern of taking collaborators from the caller instead
// of reaching for a concrete model implementation itself — this package
// never decides which embedding backend (local ONNX, remote API, stub) a
// config row resolves to.
type EmbedderFactory func(cfg store.EmbeddingConfig) (embed.Embedder, error)

// DocStateReporter receives the set of repository-relative paths whose
// document-pipeline state was non-Unchanged in the most recent sweep pass
// (spec §4.6: "report the set of changed paths via doc_state_reporter").
type DocStateReporter func(changedPaths []string)

// ProgressEvent is one per-file progress update forwarded during a sweep's
// drain phase (spec §4.6: "forwarding per-file progress and end-of-document
// events").
type ProgressEvent struct {
	Path     string
	Fraction float64
	Done     bool
	Err      error
}

// ProgressReporter receives ProgressEvents as the sweep drains its queue.
type ProgressReporter func(ProgressEvent)

// Hit is one ranked, materialized search result (spec §4.6 step 3).
type Hit struct {
	ChunkID    int64
	Content    string
	Metadata   string
	FusedScore float64
}

// SearchResult holds one ranked hit list per embedding configuration (spec
// §4.6: "Return one ranked list per embedding; the caller chooses fusion or
// concatenation").
type SearchResult struct {
	Embedding string
	Hits      []Hit
}

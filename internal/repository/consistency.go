package repository

import (
	"context"
	"fmt"
)

// InconsistencyKind categorizes one detected cross-store mismatch (spec §8
// invariant (1): "For every chunk row, the lexical index contains exactly
// one row with the same id and the vector index reports valid=1,deleted=0
// for that id"). Grounded on the teacher's internal/index/consistency.go
// ID-set comparison, adapted from its BM25/Vector/metadata triple to this
// kernel's chunks/lexical/per-embedding-vector-table triple.
type InconsistencyKind int

const (
	// InconsistencyMissingLexical: a chunk row has no matching lexical row.
	InconsistencyMissingLexical InconsistencyKind = iota
	// InconsistencyMissingVector: a chunk row has no live vector in its
	// embedding's vector table.
	InconsistencyMissingVector
	// InconsistencyOrphanLexical: a lexical row has no matching chunk row.
	InconsistencyOrphanLexical
)

func (k InconsistencyKind) String() string {
	switch k {
	case InconsistencyMissingLexical:
		return "missing_lexical"
	case InconsistencyMissingVector:
		return "missing_vector"
	case InconsistencyOrphanLexical:
		return "orphan_lexical"
	default:
		return "unknown"
	}
}

// Inconsistency is one detected mismatch.
type Inconsistency struct {
	Kind    InconsistencyKind
	ChunkID int64
	Detail  string
}

// ConsistencyReport is the outcome of CheckConsistency.
type ConsistencyReport struct {
	ChunksChecked   int
	Inconsistencies []Inconsistency
}

// CheckConsistency scans every chunk row against the lexical index and its
// embedding's vector table, and every lexical row against the chunks table,
// reporting mismatches without repairing them (spec §8 invariant (1); spec's
// doctor/consistency-check supplemented feature, grounded on the teacher's
// ConsistencyChecker.Check). Takes the read lock, like Search.
func (r *Repository) CheckConsistency(ctx context.Context) (*ConsistencyReport, error) {
	r.mu.RLock()
	targets := r.targets
	r.mu.RUnlock()

	tableByEmbeddingID := make(map[int64]int64, len(targets)) // embedding_id -> index into targets
	for i, t := range targets {
		tableByEmbeddingID[t.Config.ID] = int64(i)
	}

	rows, err := r.conn.Query(ctx, ownerID, `SELECT chunk_id, embedding_id FROM chunks`)
	if err != nil {
		return nil, err
	}
	type chunkRow struct {
		chunkID     int64
		embeddingID int64
	}
	var chunks []chunkRow
	for rows.Next() {
		var c chunkRow
		if err := rows.Scan(&c.chunkID, &c.embeddingID); err != nil {
			rows.Close()
			return nil, err
		}
		chunks = append(chunks, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report := &ConsistencyReport{ChunksChecked: len(chunks)}
	chunkIDs := make(map[int64]bool, len(chunks))

	for _, c := range chunks {
		chunkIDs[c.chunkID] = true

		if _, _, err := r.lexical.Get(ctx, c.chunkID); err != nil {
			report.Inconsistencies = append(report.Inconsistencies, Inconsistency{
				Kind: InconsistencyMissingLexical, ChunkID: c.chunkID,
				Detail: fmt.Sprintf("chunk %d has no lexical row", c.chunkID),
			})
		}

		idx, ok := tableByEmbeddingID[c.embeddingID]
		if !ok {
			continue // embedding_config no longer valid; removeInvalidEmbeddings handles this separately
		}
		// Reconstruct errors exactly when the sidecar reports the id as
		// invalid or deleted (store.VectorTable.Reconstruct), which is the
		// per-id liveness check this invariant needs.
		if _, err := targets[idx].Table.Reconstruct(ctx, c.chunkID); err != nil {
			report.Inconsistencies = append(report.Inconsistencies, Inconsistency{
				Kind: InconsistencyMissingVector, ChunkID: c.chunkID,
				Detail: fmt.Sprintf("chunk %d has no live vector in embedding %q", c.chunkID, targets[idx].Config.ConfigName),
			})
		}
	}

	orphans, err := r.orphanLexicalRows(ctx, chunkIDs)
	if err != nil {
		return nil, err
	}
	report.Inconsistencies = append(report.Inconsistencies, orphans...)

	return report, nil
}

func (r *Repository) orphanLexicalRows(ctx context.Context, liveChunkIDs map[int64]bool) ([]Inconsistency, error) {
	rows, err := r.conn.Query(ctx, ownerID, `SELECT chunk_id FROM fts_content`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Inconsistency
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if !liveChunkIDs[id] {
			out = append(out, Inconsistency{
				Kind: InconsistencyOrphanLexical, ChunkID: id,
				Detail: fmt.Sprintf("lexical row %d has no matching chunk", id),
			})
		}
	}
	return out, rows.Err()
}

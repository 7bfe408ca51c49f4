package docpipe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/chunk"
)

// existingChunkRow is one row loaded from the chunks table for a given
// (doc, embedding) pair, keyed by content hash during reconciliation (spec
// §4.5 step 2).
type existingChunkRow struct {
	ChunkID    int64
	ChunkIndex *int64 // nil means unset (mid-reindex from a prior interrupted pass)
}

// updateToTables is spec §4.5's reconciliation entry point: read the file
// once, then reconcile chunks independently for every (embedding,
// vector_table) pair.
func (d *Document) updateToTables(ctx context.Context, progress Reporter, stop StopFlag) error {
	content, err := d.readFile()
	if err != nil {
		return err
	}
	text := strings.ReplaceAll(string(content), "\r\n", "\n")

	steps := make([]Step, 0, len(d.targets)+2)
	steps = append(steps, Step{Name: "open-file", Weight: 1})
	for _, t := range d.targets {
		steps = append(steps, Step{Name: "embedding:" + t.Config.ConfigName, Weight: 10})
	}
	steps = append(steps, Step{Name: "finalize", Weight: 1})

	wp := NewWeightedProgress(progress, steps)
	wp.StartStep("open-file")
	wp.FinishStep()

	for _, target := range d.targets {
		if stop.Stopped() {
			return nil
		}
		wp.StartStep("embedding:" + target.Config.ConfigName)
		if err := d.reconcileEmbedding(ctx, target, text, wp, stop); err != nil {
			return fmt.Errorf("reconcile embedding %q for %s: %w", target.Config.ConfigName, d.path, err)
		}
		wp.FinishStep()
	}

	wp.StartStep("finalize")
	wp.FinishStep()
	wp.Done()
	return nil
}

type reindexOp struct {
	chunkID                   int64
	index, beginLine, endLine int
}

type addOp struct {
	content, metadata         string
	index, beginLine, endLine int
}

// reconcileEmbedding chunks the document for one embedding configuration
// and reconciles the result against the existing chunk rows by content
// hash (spec §4.5 steps 1-5).
func (d *Document) reconcileEmbedding(ctx context.Context, target EmbeddingTarget, text string, wp *WeightedProgress, stop StopFlag) error {
	effLength, surplus := target.effectiveLength()
	if surplus > 0 {
		slog.Debug("embedding config max-input-length exceeds model max, clamping",
			slog.String("config", target.Config.ConfigName),
			slog.Int("configured", target.Config.MaxInputLength),
			slog.Int("surplus", surplus))
	}

	docType := chunk.DocTypeMarkdown
	if d.plainText {
		docType = chunk.DocTypePlainText
	}
	newChunks, err := chunk.Chunks(text, chunk.Options{
		DocType:       docType,
		MaxLength:     effLength,
		Oracle:        oracleFor(target.Embedder),
		ExtraMetadata: map[string]string{"FilePath": d.path},
	})
	if err != nil {
		return fmt.Errorf("chunk content: %w", err)
	}

	existing, err := d.loadExistingChunks(ctx, target.Config.ID)
	if err != nil {
		return fmt.Errorf("load existing chunk rows: %w", err)
	}

	var reindexes []reindexOp
	var adds []addOp

	for i, c := range newChunks {
		idx := int64(i + 1) // 1-based (spec §4.5 step 3)
		h := hashString(c.Content + c.Metadata)

		candidates := existing[h]
		if len(candidates) > 0 {
			row := candidates[0]
			if len(candidates) == 1 {
				delete(existing, h)
			} else {
				existing[h] = candidates[1:]
			}

			if row.ChunkIndex != nil && *row.ChunkIndex == idx {
				continue // unchanged, leave alone
			}
			reindexes = append(reindexes, reindexOp{
				chunkID: row.ChunkID, index: int(idx), beginLine: c.BeginLine, endLine: c.EndLine,
			})
			continue
		}

		adds = append(adds, addOp{
			content: c.Content, metadata: c.Metadata,
			index: int(idx), beginLine: c.BeginLine, endLine: c.EndLine,
		})
	}

	// Whatever is still in the multimap never matched a new chunk: stale.
	var stale []int64
	for _, rows := range existing {
		for _, r := range rows {
			stale = append(stale, r.ChunkID)
		}
	}

	if err := d.applyReindexPhase(ctx, stale, reindexes, target); err != nil {
		return err
	}
	return d.applyAddPhase(ctx, adds, target, wp, stop)
}

func (d *Document) loadExistingChunks(ctx context.Context, embeddingID int64) (map[uint64][]existingChunkRow, error) {
	rows, err := d.conn.Query(ctx, d.ownerID,
		`SELECT chunk_id, chunk_index, content_hash FROM chunks WHERE doc_id = ? AND embedding_id = ?`,
		d.row.ID, embeddingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[uint64][]existingChunkRow)
	for rows.Next() {
		var chunkID int64
		var chunkIndex *int64
		var contentHash int64
		if err := rows.Scan(&chunkID, &chunkIndex, &contentHash); err != nil {
			return nil, err
		}
		h := uint64(contentHash)
		result[h] = append(result[h], existingChunkRow{ChunkID: chunkID, ChunkIndex: chunkIndex})
	}
	return result, rows.Err()
}

// applyReindexPhase deletes stale chunk rows and rewrites the chunk_index
// of reindexed rows, all in one transaction (spec §4.5 step 4). Reindexed
// rows are nulled before being set to their final index so that two rows
// trading indices never collide against the partial unique index on
// (doc_id, embedding_id, chunk_index).
func (d *Document) applyReindexPhase(ctx context.Context, stale []int64, reindexes []reindexOp, target EmbeddingTarget) error {
	if len(stale) == 0 && len(reindexes) == 0 {
		return nil
	}

	tx, err := d.conn.Begin(ctx, d.ownerID)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, id := range stale {
		if _, err := d.conn.Execute(ctx, d.ownerID, `DELETE FROM chunks WHERE chunk_id = ?`, id); err != nil {
			return fmt.Errorf("delete stale chunk row %d: %w", id, err)
		}
	}
	for _, r := range reindexes {
		if _, err := d.conn.Execute(ctx, d.ownerID, `UPDATE chunks SET chunk_index = NULL WHERE chunk_id = ?`, r.chunkID); err != nil {
			return fmt.Errorf("free chunk_index slot for chunk %d: %w", r.chunkID, err)
		}
	}
	for _, r := range reindexes {
		if _, err := d.conn.Execute(ctx, d.ownerID,
			`UPDATE chunks SET chunk_index = ?, begin_line = ?, end_line = ? WHERE chunk_id = ?`,
			r.index, r.beginLine, r.endLine, r.chunkID); err != nil {
			return fmt.Errorf("rewrite reindexed chunk %d: %w", r.chunkID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	// Lexical and vector rows live in separate storage engines; their
	// deletes happen after the relational commit, not inside it.
	for _, id := range stale {
		if err := d.lexical.Delete(ctx, id); err != nil && !isNotFoundErr(err) {
			slog.Warn("failed to delete stale lexical row",
				slog.Int64("chunk_id", id), slog.String("error", err.Error()))
		}
	}
	if err := target.Table.RemoveIfExists(ctx, stale); err != nil {
		return fmt.Errorf("remove stale vectors: %w", err)
	}
	return nil
}

// applyAddPhase inserts new chunk rows, embeds them, and indexes them
// lexically and in the vector table, committing every AddBatchSize chunks
// and honoring stop between chunks (spec §4.5 step 5, "Cancellation").
func (d *Document) applyAddPhase(ctx context.Context, adds []addOp, target EmbeddingTarget, wp *WeightedProgress, stop StopFlag) error {
	if len(adds) == 0 {
		return nil
	}

	done := 0
	for batchStart := 0; batchStart < len(adds); {
		tx, err := d.conn.Begin(ctx, d.ownerID)
		if err != nil {
			return err
		}

		batchEnd := batchStart
		stopped := false
		for batchEnd < len(adds) && batchEnd-batchStart < AddBatchSize {
			if stop.Stopped() {
				stopped = true
				break
			}
			if err := d.insertOneChunk(ctx, target, adds[batchEnd]); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("insert chunk %d/%d: %w", batchEnd+1, len(adds), err)
			}
			batchEnd++
			done++
			if wp != nil {
				wp.AdvanceWithin(float64(done) / float64(len(adds)))
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
		batchStart = batchEnd

		if stopped {
			return nil
		}
	}
	return nil
}

func (d *Document) insertOneChunk(ctx context.Context, target EmbeddingTarget, op addOp) error {
	if _, err := d.conn.Execute(ctx, d.ownerID,
		`INSERT INTO chunks(doc_id, embedding_id, chunk_index, content_hash, begin_line, end_line) VALUES (?, ?, ?, ?, ?, ?)`,
		d.row.ID, target.Config.ID, op.index, int64(hashString(op.content+op.metadata)), op.beginLine, op.endLine); err != nil {
		return fmt.Errorf("insert chunk row: %w", err)
	}
	chunkID, err := d.conn.LastInsertID(ctx, d.ownerID)
	if err != nil {
		return fmt.Errorf("fetch new chunk id: %w", err)
	}

	vec, err := target.Embedder.Embed(ctx, op.content+op.metadata)
	if err != nil {
		return fmt.Errorf("embed chunk %d: %w", chunkID, err)
	}
	if err := target.Table.Add(ctx, chunkID, vec); err != nil {
		return fmt.Errorf("add vector for chunk %d: %w", chunkID, err)
	}
	if err := d.lexical.Upsert(ctx, chunkID, op.content, op.metadata); err != nil {
		return fmt.Errorf("upsert lexical row for chunk %d: %w", chunkID, err)
	}
	return nil
}

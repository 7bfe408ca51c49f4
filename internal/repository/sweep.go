package repository

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/docpipe"
)

// startSweep launches the background reconciliation loop (spec §4.6
// "Background sweep"). Grounded on the teacher's coordinator.go
// applyFileChanges poll loop, generalized from a file-event queue to the
// spec's stat-and-hash sweep with a deterministic per-pass snapshot.
func (r *Repository) startSweep() {
	r.stop = make(chan struct{})
	r.sweepDone = make(chan struct{})
	r.running.Store(true)

	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweepOnce(context.Background())
			case <-r.wake:
				r.sweepOnce(context.Background())
			}
		}
	}()
}

// stopSweepLoop stops the background loop and waits for it to exit. Safe to
// call more than once or before the loop ever started.
func (r *Repository) stopSweepLoop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stop)
	<-r.sweepDone
}

// sweepOnce is one full pass: list files, check every document, drain the
// resulting queue, then the post-drain maintenance (invalid-embedding
// cleanup, persist, reconstruct-if-needed).
func (r *Repository) sweepOnce(ctx context.Context) {
	r.mu.RLock()
	targets := r.targets
	r.mu.RUnlock()

	docs, err := r.checkAll(ctx, targets)
	if err != nil {
		slog.Warn("repository sweep: failed to enumerate documents", slog.String("error", err.Error()))
		return
	}

	var changed []string
	var toProcess []*docpipe.Document
	for _, d := range docs {
		if d.State() == docpipe.StateUnchanged {
			continue
		}
		changed = append(changed, d.Path())
		toProcess = append(toProcess, d)
	}
	if len(changed) > 0 && r.stateReporter != nil {
		r.stateReporter(changed)
	}

	for _, d := range toProcess {
		r.processOne(ctx, d)
	}

	if len(toProcess) == 0 {
		return
	}
	r.afterDrain(ctx, targets)
}

// checkAll lists every regular, non-dotfile file under the root, merges it
// with the documents table (so rows whose file vanished still surface as
// Deleted), and runs Check on each resulting path (spec §4.6 step 1-2).
func (r *Repository) checkAll(ctx context.Context, targets []docpipe.EmbeddingTarget) ([]*docpipe.Document, error) {
	onDisk, err := listRegularFiles(r.root)
	if err != nil {
		return nil, err
	}
	onDisk = r.filterExcluded(onDisk)

	known, err := r.knownDocumentNames(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(onDisk)+len(known))
	paths := make([]string, 0, len(onDisk)+len(known))
	for _, p := range onDisk {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, p := range known {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	docs := make([]*docpipe.Document, 0, len(paths))
	for _, p := range paths {
		d, err := docpipe.NewDocument(ctx, r.conn, ownerID, r.lexical, targets, r.fileCache, r.root, p, r.plainText)
		if err != nil {
			slog.Warn("repository sweep: failed to load document row", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		if _, err := d.Check(ctx); err != nil {
			slog.Warn("repository sweep: check failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func (r *Repository) knownDocumentNames(ctx context.Context) ([]string, error) {
	rows, err := r.conn.Query(ctx, ownerID, `SELECT name FROM documents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// filterExcluded drops paths matching any of the repository's configured
// exclude patterns. A leading `**/` and a trailing `/**` are stripped from
// each pattern; a path is excluded if it contains the rest as a substring
// or path.Match matches the rest against the whole path. There is no third-party glob matcher in
// this codebase's dependency set, so this stays on the standard library
// (see DESIGN.md).
func (r *Repository) filterExcluded(paths []string) []string {
	patterns := r.cfg.Paths.Exclude
	if len(patterns) == 0 {
		return paths
	}
	out := paths[:0:0]
	for _, p := range paths {
		if !matchesAny(p, patterns) {
			out = append(out, p)
		}
	}
	return out
}

func matchesAny(p string, patterns []string) bool {
	for _, pat := range patterns {
		pat = strings.TrimPrefix(pat, "**/")
		pat = strings.TrimSuffix(pat, "/**")
		if strings.Contains(p, pat) {
			return true
		}
		if ok, _ := path.Match(pat, p); ok {
			return true
		}
	}
	return false
}

// processOne runs Process for one document, forwarding progress and a
// final done/error event (spec §4.6: "forwarding per-file progress and
// end-of-document events").
func (r *Repository) processOne(ctx context.Context, d *docpipe.Document) {
	var reporter docpipe.Reporter
	if r.progress != nil {
		path := d.Path()
		reporter = docpipe.ReporterFunc(func(f float64) {
			r.progress(ProgressEvent{Path: path, Fraction: f})
		})
	}

	err := d.Process(ctx, reporter, nil)
	if r.progress != nil {
		r.progress(ProgressEvent{Path: d.Path(), Fraction: 1.0, Done: true, Err: err})
	}
	if err != nil {
		slog.Warn("repository sweep: process failed", slog.String("path", d.Path()), slog.String("error", err.Error()))
	}
}

// afterDrain runs spec §4.6's post-drain maintenance: drop chunks/lexical/
// vector rows for configs marked valid=0, persist every vector table, and
// trigger a full reconstruct if any vector table reports stranded invalid
// ids.
func (r *Repository) afterDrain(ctx context.Context, targets []docpipe.EmbeddingTarget) {
	if err := r.removeInvalidEmbeddings(ctx); err != nil {
		slog.Warn("repository sweep: remove_invalid_embedding failed", slog.String("error", err.Error()))
	}

	needsReconstruct := false
	for _, t := range targets {
		if err := t.Table.Persist(ctx); err != nil {
			slog.Warn("repository sweep: persist vector table failed",
				slog.String("embedding", t.Config.ConfigName), slog.String("error", err.Error()))
			continue
		}
		invalid, err := t.Table.InvalidIDs(ctx)
		if err != nil {
			slog.Warn("repository sweep: invalid-ids check failed",
				slog.String("embedding", t.Config.ConfigName), slog.String("error", err.Error()))
			continue
		}
		if len(invalid) > 0 {
			needsReconstruct = true
		}
	}

	if needsReconstruct {
		slog.Warn("repository sweep: vector table reports invalid ids, triggering reconstruct")
		if err := r.Reconstruct(ctx); err != nil {
			slog.Warn("repository sweep: reconstruct failed", slog.String("error", err.Error()))
		}
	}
}

// removeInvalidEmbeddings cascades chunks + lexical rows for embedding_config
// rows marked valid=0 and drops their vector-table directory, completing the
// soft-delete ConfigureEmbedding started (spec §4.6: "cascading delete of
// chunks + lexical rows + vector table drop for configs with valid=0").
func (r *Repository) removeInvalidEmbeddings(ctx context.Context) error {
	rows, err := r.conn.Query(ctx, ownerID, `SELECT id, config_name FROM embedding_config WHERE valid = 0`)
	if err != nil {
		return err
	}
	type invalidConfig struct {
		id   int64
		name string
	}
	var invalid []invalidConfig
	for rows.Next() {
		var c invalidConfig
		if err := rows.Scan(&c.id, &c.name); err != nil {
			rows.Close()
			return err
		}
		invalid = append(invalid, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range invalid {
		chunkIDs, err := r.chunkIDsForEmbedding(ctx, c.id)
		if err != nil {
			return err
		}
		if _, err := r.conn.Execute(ctx, ownerID, `DELETE FROM chunks WHERE embedding_id = ?`, c.id); err != nil {
			return err
		}
		for _, id := range chunkIDs {
			if err := r.lexical.Delete(ctx, id); err != nil && !isNotFoundErr(err) {
				slog.Warn("repository: failed to delete lexical row for invalid embedding",
					slog.Int64("chunk_id", id), slog.String("error", err.Error()))
			}
		}
		if err := r.dropVectorTableDir(c.name); err != nil {
			slog.Warn("repository: failed to drop vector table directory for invalid embedding",
				slog.String("embedding", c.name), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Repository) chunkIDsForEmbedding(ctx context.Context, embeddingID int64) ([]int64, error) {
	rows, err := r.conn.Query(ctx, ownerID, `SELECT chunk_id FROM chunks WHERE embedding_id = ?`, embeddingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

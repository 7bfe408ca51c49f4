package repository

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"

	kerrors "github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/errors"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/store"
)

func isNotFoundErr(err error) bool {
	var nf *store.NotFoundError
	return stderrors.As(err, &nf)
}

// NewEmbeddingConfig is one caller-supplied row for ConfigureEmbedding.
type NewEmbeddingConfig struct {
	ConfigName     string
	ModelName      string
	ModelPath      string
	MaxInputLength int
}

// ConfigureEmbedding applies spec §4.6's configure_embedding operation:
// stop the background sweep, diff newConfigs against the current
// embedding_config rows under the write lock, insert additions, mark
// removed configs valid=0 (their cleanup is cascaded by afterDrain, which
// runs at the end of the next sweep pass that processes at least one
// document), rebuild the in-memory target slice from the surviving valid=1
// rows, then restart the sweep.
func (r *Repository) ConfigureEmbedding(ctx context.Context, newConfigs []NewEmbeddingConfig) error {
	r.stopSweepLoop()
	defer r.startSweep()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.allEmbeddingConfigs(ctx)
	if err != nil {
		return err
	}
	existingByName := make(map[string]store.EmbeddingConfig, len(existing))
	for _, c := range existing {
		existingByName[c.ConfigName] = c
	}
	wantByName := make(map[string]NewEmbeddingConfig, len(newConfigs))
	for _, c := range newConfigs {
		wantByName[c.ConfigName] = c
	}

	for _, c := range newConfigs {
		if cur, ok := existingByName[c.ConfigName]; ok && cur.Valid {
			continue // unchanged
		}
		if _, err := r.conn.Execute(ctx, ownerID,
			`INSERT INTO embedding_config(config_name, model_name, model_path, max_input_length, valid)
			 VALUES (?, ?, ?, ?, 1)
			 ON CONFLICT(config_name) DO UPDATE SET model_name=excluded.model_name,
			   model_path=excluded.model_path, max_input_length=excluded.max_input_length, valid=1`,
			c.ConfigName, c.ModelName, c.ModelPath, c.MaxInputLength); err != nil {
			return kerrors.Wrap(kerrors.ErrExecuteFailed, err)
		}
	}

	for _, c := range existing {
		if !c.Valid {
			continue
		}
		if _, ok := wantByName[c.ConfigName]; ok {
			continue
		}
		if _, err := r.conn.Execute(ctx, ownerID, `UPDATE embedding_config SET valid = 0 WHERE id = ?`, c.ID); err != nil {
			return kerrors.Wrap(kerrors.ErrExecuteFailed, err)
		}
	}

	for _, t := range r.targets {
		_ = t.Table.Close()
		_ = t.Embedder.Close()
	}
	targets, err := r.loadTargets(ctx)
	if err != nil {
		return err
	}
	r.targets = targets
	return nil
}

func (r *Repository) allEmbeddingConfigs(ctx context.Context) ([]store.EmbeddingConfig, error) {
	rows, err := r.conn.Query(ctx, ownerID,
		`SELECT id, config_name, model_name, model_path, max_input_length, valid FROM embedding_config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []store.EmbeddingConfig
	for rows.Next() {
		var c store.EmbeddingConfig
		if err := rows.Scan(&c.ID, &c.ConfigName, &c.ModelName, &c.ModelPath, &c.MaxInputLength, &c.Valid); err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// Reconstruct applies spec §4.6's reconstruct operation: stop the
// background sweep, delete every row of documents, chunks and the lexical
// table, close the vector tables and remove their files, reload the
// embedding targets, then restart the sweep. The schema is kept as it is.
// Embedding-config rows survive (only their dependent data is dropped).
func (r *Repository) Reconstruct(ctx context.Context) error {
	r.stopSweepLoop()
	defer r.startSweep()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.conn.Reconstruct(ctx, ownerID); err != nil {
		return err
	}
	if _, err := r.conn.Execute(ctx, ownerID, `DELETE FROM fts_content`); err != nil {
		return kerrors.Wrap(kerrors.ErrExecuteFailed, err)
	}

	for _, t := range r.targets {
		_ = t.Table.Close()
		_ = t.Embedder.Close()
	}
	if err := r.wipeVectorTables(); err != nil {
		return err
	}

	targets, err := r.loadTargets(ctx)
	if err != nil {
		return err
	}
	r.targets = targets
	return nil
}

func (r *Repository) wipeVectorTables() error {
	dir := filepath.Join(r.dataDir, "vectors")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kerrors.FileAccess("list vector tables directory", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return kerrors.FileAccess("remove vector table "+e.Name(), err)
		}
	}
	return nil
}

func (r *Repository) dropVectorTableDir(configName string) error {
	base := filepath.Join(r.dataDir, "vectors", configName)
	for _, suffix := range []string{".db", ".hnsw", ".vectors", ".lock"} {
		if err := os.Remove(base + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

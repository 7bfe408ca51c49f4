package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/embed"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/errors"
	"github.com/coder/hnsw"
)

const (
	// AddPersistThreshold triggers persist after this many additions since
	// the last successful persist (spec §4.3: "add_threshold (~1000)").
	AddPersistThreshold = 1000
	// DeleteCompactThreshold triggers compact after this many tombstones
	// (spec §4.3: "delete_threshold").
	DeleteCompactThreshold = 1000
)

// VectorTable is a single ANN index per embedding configuration, keyed by
// external ids (chunk ids), backed by a SQLite sidecar state machine (spec
// §3, §4.3). Grounded on the teacher's internal/store/hnsw.go for the graph
// wrapper and atomic-persist shape, generalized from lazy-never-really-
// delete semantics to the spec's full valid/writeback/deleted state machine
// with real tombstone compaction.
//
// coder/hnsw exposes no lookup-by-key, so reconstruct/compact are backed by
// an in-process vectors cache mirroring what's been Added — the sidecar
// table remains the durable source of truth for which ids are live.
type VectorTable struct {
	mu sync.RWMutex

	dimensions  int
	annPath     string // the .hnsw file
	vectorsPath string // gob-encoded id->vector cache, sibling to the .hnsw file
	lockPath    string

	conn    *Conn
	ownerID string

	lock *embed.FileLock

	graph   *hnsw.Graph[uint64]
	vectors map[uint64][]float32

	addedSincePersist   int
	deletedSinceCompact int
	closed              bool
}

// OpenVectorTable opens or creates the vector table rooted at basePath:
// basePath+".db" is the sidecar SQLite file, basePath+".hnsw" is the
// persisted ANN snapshot, basePath+".lock" is the mutual-exclusion file
// (spec §4.3 "at most one process/opener per vector table path").
func OpenVectorTable(basePath string, dimensions int) (*VectorTable, error) {
	if err := os.MkdirAll(filepath.Dir(basePath), 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrOpenFailed, err)
	}

	lock := embed.NewFileLockAt(basePath + ".lock")
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(errors.ErrOpenFailed, err)
	}
	if !acquired {
		return nil, errors.New(errors.ErrOpenFailed,
			fmt.Sprintf("vector table %s is already open by another process", basePath), nil)
	}

	sidecarStore, err := Open(basePath + ".db")
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	const ownerID = "vectortable"
	conn, err := sidecarStore.Connection(ownerID)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	vt := &VectorTable{
		dimensions:  dimensions,
		annPath:     basePath + ".hnsw",
		vectorsPath: basePath + ".vectors",
		lockPath:    basePath + ".lock",
		conn:        conn,
		ownerID:     ownerID,
		lock:        lock,
		vectors:     make(map[uint64][]float32),
	}

	ctx := context.Background()
	if err := vt.initSchema(ctx); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	vt.newGraph()
	if err := vt.reopen(ctx); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return vt, nil
}

func (vt *VectorTable) newGraph() {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.EuclideanDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	vt.graph = g
}

// loadVectors restores the id->vector cache from its gob sidecar file. A
// missing file (fresh table, or pre-upgrade snapshot) leaves the cache empty;
// the degrade pass in reopen then demotes whichever sidecar rows claim
// valid=1 but have no corresponding cached vector.
func (vt *VectorTable) loadVectors() error {
	f, err := os.Open(vt.vectorsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(errors.ErrOpenFailed, err)
	}
	defer f.Close()

	var loaded map[uint64][]float32
	if err := gob.NewDecoder(f).Decode(&loaded); err != nil {
		return errors.Wrap(errors.ErrOpenFailed, fmt.Errorf("decode vectors cache: %w", err))
	}
	vt.vectors = loaded
	return nil
}

// saveVectors writes the id->vector cache atomically, mirroring the
// .new-then-rename pattern used for the ANN snapshot itself.
func (vt *VectorTable) saveVectors() error {
	tmpPath := vt.vectorsPath + ".new"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	if err := gob.NewEncoder(f).Encode(vt.vectors); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(errors.ErrExecuteFailed, fmt.Errorf("encode vectors cache: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	if err := os.Rename(tmpPath, vt.vectorsPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	return nil
}

func (vt *VectorTable) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS vector_state (
		chunk_id  INTEGER PRIMARY KEY,
		valid     INTEGER NOT NULL DEFAULT 0,
		writeback INTEGER NOT NULL DEFAULT 0,
		deleted   INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := vt.conn.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	return nil
}

// reopen implements spec §4.3's durable-state-machine reconciliation: load
// the persisted ANN file if present, then degrade any (valid=1,writeback=0)
// row to (0,0,0) because the ANN file did not capture it.
func (vt *VectorTable) reopen(ctx context.Context) error {
	if _, err := os.Stat(vt.annPath); err == nil {
		f, err := os.Open(vt.annPath)
		if err != nil {
			return errors.Wrap(errors.ErrOpenFailed, err)
		}
		defer f.Close()
		if err := vt.graph.Import(bufio.NewReader(f)); err != nil {
			return errors.Wrap(errors.ErrOpenFailed, fmt.Errorf("import ANN snapshot: %w", err))
		}
		// coder/hnsw's Import restores the graph but exposes no lookup-by-key,
		// so the vectors cache (needed for reconstruct/compact) is persisted
		// and loaded separately, alongside the snapshot.
		if err := vt.loadVectors(); err != nil {
			return err
		}
	}

	rows, err := vt.conn.db.QueryContext(ctx,
		`SELECT chunk_id FROM vector_state WHERE valid = 1 AND writeback = 0`)
	if err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	var degraded []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return errors.Wrap(errors.ErrExecuteFailed, err)
		}
		degraded = append(degraded, id)
	}
	rows.Close()

	for _, id := range degraded {
		if _, err := vt.conn.db.ExecContext(ctx,
			`UPDATE vector_state SET valid = 0, writeback = 0, deleted = 0 WHERE chunk_id = ?`, id); err != nil {
			return errors.Wrap(errors.ErrExecuteFailed, err)
		}
		delete(vt.vectors, uint64(id))
	}
	return nil
}

// Add reserves chunkID as an id (sidecar row with all flags zero), inserts
// into the ANN index, then marks valid=1 (spec §4.3 "add").
func (vt *VectorTable) Add(ctx context.Context, chunkID int64, vec []float32) error {
	return vt.AddBatch(ctx, []int64{chunkID}, [][]float32{vec})
}

// AddBatch reserves every id with a prepared insert in one sidecar
// transaction and commits it, then adds the vectors to the ANN index, then
// marks them valid=1 with one UPDATE outside that transaction (spec §4.3).
func (vt *VectorTable) AddBatch(ctx context.Context, chunkIDs []int64, vecs [][]float32) error {
	if len(chunkIDs) != len(vecs) {
		return fmt.Errorf("store: chunkIDs and vecs length mismatch: %d vs %d", len(chunkIDs), len(vecs))
	}
	if len(chunkIDs) == 0 {
		return nil
	}

	vt.mu.Lock()
	defer vt.mu.Unlock()
	if vt.closed {
		return errors.New(errors.ErrExecuteFailed, "vector table is closed", nil)
	}
	for _, v := range vecs {
		if len(v) != vt.dimensions {
			return &DimensionMismatchError{Expected: vt.dimensions, Got: len(v)}
		}
	}

	tx, err := vt.conn.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrTransactionError, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO vector_state(chunk_id, valid, writeback, deleted) VALUES (?, 0, 0, 0)`)
	if err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	defer stmt.Close()

	for _, id := range chunkIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return errors.Wrap(errors.ErrExecuteFailed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrTransactionError, err)
	}

	for i, id := range chunkIDs {
		key := uint64(id)
		stored := make([]float32, len(vecs[i]))
		copy(stored, vecs[i])
		vt.graph.Add(hnsw.MakeNode(key, stored))
		vt.vectors[key] = stored
	}

	if _, err := vt.conn.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE vector_state SET valid = 1 WHERE chunk_id IN (%s)`, placeholders(len(chunkIDs))),
		int64SliceToArgs(chunkIDs)...); err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}

	vt.addedSincePersist += len(chunkIDs)
	if vt.addedSincePersist >= AddPersistThreshold {
		if err := vt.persistLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Remove tombstones chunkID; fails if absent or already deleted (spec
// §4.3 "remove").
func (vt *VectorTable) Remove(ctx context.Context, chunkID int64) error {
	return vt.removeBatch(ctx, []int64{chunkID}, false)
}

// RemoveBatch tombstones every id; fails if any id is absent or already
// deleted.
func (vt *VectorTable) RemoveBatch(ctx context.Context, chunkIDs []int64) error {
	return vt.removeBatch(ctx, chunkIDs, false)
}

// RemoveIfExists tombstones every id that exists and isn't already deleted,
// silently ignoring the rest (spec §4.3 "remove_if_exists", used by doc
// delete).
func (vt *VectorTable) RemoveIfExists(ctx context.Context, chunkIDs []int64) error {
	return vt.removeBatch(ctx, chunkIDs, true)
}

func (vt *VectorTable) removeBatch(ctx context.Context, chunkIDs []int64, ignoreMissing bool) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if vt.closed {
		return errors.New(errors.ErrExecuteFailed, "vector table is closed", nil)
	}

	for _, id := range chunkIDs {
		res, err := vt.conn.db.ExecContext(ctx,
			`UPDATE vector_state SET deleted = 1 WHERE chunk_id = ? AND deleted = 0`, id)
		if err != nil {
			return errors.Wrap(errors.ErrExecuteFailed, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(errors.ErrExecuteFailed, err)
		}
		if n == 0 && !ignoreMissing {
			return &NotFoundError{Kind: "vector row", ID: id}
		}
		if n > 0 {
			vt.deletedSinceCompact++
		}
	}

	if vt.deletedSinceCompact >= DeleteCompactThreshold {
		if err := vt.compactLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Query searches the ANN index, filters by sidecar flags (valid=1,
// deleted=0), and truncates to the first k survivors (spec §4.3 "query").
func (vt *VectorTable) Query(ctx context.Context, vec []float32, k int) (ids []int64, distances []float32, err error) {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	if vt.closed {
		return nil, nil, errors.New(errors.ErrExecuteFailed, "vector table is closed", nil)
	}
	if len(vec) != vt.dimensions {
		return nil, nil, &DimensionMismatchError{Expected: vt.dimensions, Got: len(vec)}
	}
	if vt.graph.Len() == 0 {
		return nil, nil, nil
	}

	// Overfetch because some survivors will be filtered by sidecar state.
	overfetch := k * 4
	if overfetch < k+16 {
		overfetch = k + 16
	}
	nodes := vt.graph.Search(vec, overfetch)

	for _, node := range nodes {
		if len(ids) >= k {
			break
		}
		chunkID := int64(node.Key)
		live, err := vt.isLive(ctx, chunkID)
		if err != nil {
			return nil, nil, err
		}
		if !live {
			continue
		}
		ids = append(ids, chunkID)
		distances = append(distances, vt.graph.Distance(vec, node.Value))
	}
	return ids, distances, nil
}

func (vt *VectorTable) isLive(ctx context.Context, chunkID int64) (bool, error) {
	var valid, deleted bool
	err := vt.conn.db.QueryRowContext(ctx,
		`SELECT valid, deleted FROM vector_state WHERE chunk_id = ?`, chunkID).Scan(&valid, &deleted)
	if err != nil {
		return false, nil // reserved/unknown id: not yet a search-visible row
	}
	return valid && !deleted, nil
}

// Reconstruct fetches the vector for chunkID; errors if the sidecar reports
// the id as invalid or deleted (spec §4.3 "reconstruct").
func (vt *VectorTable) Reconstruct(ctx context.Context, chunkID int64) ([]float32, error) {
	vt.mu.RLock()
	defer vt.mu.RUnlock()

	live, err := vt.isLive(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, &NotFoundError{Kind: "vector row", ID: chunkID}
	}
	vec, ok := vt.vectors[uint64(chunkID)]
	if !ok {
		return nil, &NotFoundError{Kind: "vector row", ID: chunkID}
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

// Persist writes the ANN index to a sibling file and atomically renames it
// over the canonical path, then marks writeback=1 for every row the
// snapshot now captures (spec §4.3 "persist"). Skips if nothing changed.
func (vt *VectorTable) Persist(ctx context.Context) error {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	return vt.persistLocked(ctx)
}

func (vt *VectorTable) persistLocked(ctx context.Context) error {
	if vt.addedSincePersist == 0 {
		return nil
	}

	tmpPath := vt.annPath + ".new"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	if err := vt.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(errors.ErrExecuteFailed, fmt.Errorf("export ANN snapshot: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	if err := os.Rename(tmpPath, vt.annPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	if err := vt.saveVectors(); err != nil {
		return err
	}

	if _, err := vt.conn.db.ExecContext(ctx,
		`UPDATE vector_state SET writeback = 1 WHERE valid = 1 AND writeback = 0`); err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	vt.addedSincePersist = 0
	return nil
}

// Compact enumerates all valid=1,deleted=0 ids, rebuilds a fresh ANN index
// from their cached vectors, deletes every deleted=1 sidecar row, swaps the
// index in, and persists (spec §4.3 "compact").
func (vt *VectorTable) Compact(ctx context.Context) error {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	return vt.compactLocked(ctx)
}

func (vt *VectorTable) compactLocked(ctx context.Context) error {
	rows, err := vt.conn.db.QueryContext(ctx,
		`SELECT chunk_id FROM vector_state WHERE valid = 1 AND deleted = 0`)
	if err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	var liveIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return errors.Wrap(errors.ErrExecuteFailed, err)
		}
		liveIDs = append(liveIDs, id)
	}
	rows.Close()

	fresh := hnsw.NewGraph[uint64]()
	fresh.Distance = vt.graph.Distance
	fresh.M = vt.graph.M
	fresh.EfSearch = vt.graph.EfSearch
	fresh.Ml = vt.graph.Ml

	freshVectors := make(map[uint64][]float32, len(liveIDs))
	for _, id := range liveIDs {
		key := uint64(id)
		vec, ok := vt.vectors[key]
		if !ok {
			continue
		}
		fresh.Add(hnsw.MakeNode(key, vec))
		freshVectors[key] = vec
	}

	if _, err := vt.conn.db.ExecContext(ctx, `DELETE FROM vector_state WHERE deleted = 1`); err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}

	vt.graph = fresh
	vt.vectors = freshVectors
	vt.deletedSinceCompact = 0
	vt.addedSincePersist = len(liveIDs) // force a persist of the rebuilt snapshot
	return vt.persistLocked(ctx)
}

// InvalidIDs returns valid=0,deleted=0 ids; non-empty after a clean state
// indicates an invariant break (spec §4.3 "invalid_ids").
func (vt *VectorTable) InvalidIDs(ctx context.Context) ([]int64, error) {
	vt.mu.RLock()
	defer vt.mu.RUnlock()

	rows, err := vt.conn.db.QueryContext(ctx,
		`SELECT chunk_id FROM vector_state WHERE valid = 0 AND deleted = 0`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExecuteFailed, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(errors.ErrExecuteFailed, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the vector table's file lock and sidecar connection.
func (vt *VectorTable) Close() error {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if vt.closed {
		return nil
	}
	vt.closed = true
	_ = vt.conn.db.Close()
	return vt.lock.Unlock()
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

func int64SliceToArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

package kernelserver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	kerrors "github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/errors"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/repository"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/store"
)

const registryOwnerID = "kernelserver-registry"

// registryEntry is one row of kernel.db's "repository" table (spec §6
// "Global user data": "./UserData/db/kernel.db (tables: embedding_config,
// reranker_model, repository, generation_model)"). This implementation
// keeps only the repository table in kernel.db; embedding_config,
// reranker_model, and generation_model are read from settings.json instead
// (see DESIGN.md's Open Question resolution) rather than duplicated into
// two sources of truth.
type registryEntry struct {
	Name    string
	Path    string
	DataDir string
}

// repoRegistry owns the set of known repositories (spec §4.8: "the
// repository registry") and the currently-open ones (one
// *repository.Repository per open name). Grounded on the teacher's
// index-project registry idiom, generalized to a small SQLite-backed table
// since the kernel already depends on store.Store for every other durable
// table.
type repoRegistry struct {
	conn *store.Conn

	factory repository.EmbedderFactory

	mu   sync.Mutex
	open map[string]*repository.Repository
}

func newRepoRegistry(dbPath string, factory repository.EmbedderFactory) (*repoRegistry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, kerrors.FileAccess("create kernel.db directory", err)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.Connection(registryOwnerID)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if _, err := conn.Execute(ctx, registryOwnerID, `
		CREATE TABLE IF NOT EXISTS repository (
			name TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			data_dir TEXT NOT NULL
		)`); err != nil {
		return nil, err
	}

	return &repoRegistry{
		conn:    conn,
		factory: factory,
		open:    make(map[string]*repository.Repository),
	}, nil
}

func (r *repoRegistry) list(ctx context.Context) ([]RepoInfo, error) {
	rows, err := r.conn.Query(ctx, registryOwnerID, `SELECT name, path FROM repository ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []RepoInfo
	for rows.Next() {
		var info RepoInfo
		if err := rows.Scan(&info.Name, &info.Path); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (r *repoRegistry) lookup(ctx context.Context, name string) (registryEntry, error) {
	rows, err := r.conn.Query(ctx, registryOwnerID, `SELECT name, path, data_dir FROM repository WHERE name = ?`, name)
	if err != nil {
		return registryEntry{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		return registryEntry{}, kerrors.NotFound("repository " + name)
	}
	var e registryEntry
	if err := rows.Scan(&e.Name, &e.Path, &e.DataDir); err != nil {
		return registryEntry{}, err
	}
	return e, rows.Err()
}

// create registers a brand-new repository name; fails if it already exists
// (spec §6 status REPO_NAME_EXISTS).
func (r *repoRegistry) create(ctx context.Context, name, path, dataDir string) error {
	if _, err := r.lookup(ctx, name); err == nil {
		return errRepoNameExists
	}
	_, err := r.conn.Execute(ctx, registryOwnerID,
		`INSERT INTO repository(name, path, data_dir) VALUES (?, ?, ?)`, name, path, dataDir)
	return err
}

func (r *repoRegistry) remove(ctx context.Context, name string) error {
	_, err := r.conn.Execute(ctx, registryOwnerID, `DELETE FROM repository WHERE name = ?`, name)
	return err
}

// openRepository opens (or returns the already-open) *repository.Repository
// for name, using opts and the registry's EmbedderFactory.
func (r *repoRegistry) openRepository(ctx context.Context, name string, opts repository.Options) (*repository.Repository, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if repo, ok := r.open[name]; ok {
		return repo, nil
	}

	opts.EmbedderFactory = r.factory
	repo, err := repository.Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	r.open[name] = repo
	return repo, nil
}

func (r *repoRegistry) closeRepository(name string) error {
	r.mu.Lock()
	repo, ok := r.open[name]
	delete(r.open, name)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return repo.Close()
}

func (r *repoRegistry) closeAll() {
	r.mu.Lock()
	repos := make([]*repository.Repository, 0, len(r.open))
	for name, repo := range r.open {
		repos = append(repos, repo)
		delete(r.open, name)
	}
	r.mu.Unlock()

	for _, repo := range repos {
		_ = repo.Close()
	}
}

func (r *repoRegistry) getOpen(name string) (*repository.Repository, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	repo, ok := r.open[name]
	return repo, ok
}

// sentinel errors distinguished by the dispatcher into specific status
// codes (kerrors' generic taxonomy has no room for these wire-protocol-
// specific conditions).
var (
	errRepoNameExists   = errors.New("repository name already exists")
	errRepoNameNotMatch = errors.New("repository name does not match path")
)

package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/config"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/docpipe"
	kerrors "github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/errors"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/store"
)

// ownerID is the fixed thread-affinity tag this package's relational
// connection is opened under (spec §4.1 models "thread" as any stable
// caller-supplied tag; everything in this package serializes access to the
// connection through Repository's own mutex, so one tag suffices).
const ownerID = "repository"

// Options configures a Repository at construction time.
type Options struct {
	Root            string // repository root directory, absolute
	DataDir         string // defaults to Root/.pocketrag
	Config          *config.Config
	EmbedderFactory EmbedderFactory
	StateReporter   DocStateReporter // optional
	Progress        ProgressReporter // optional
	SweepInterval   time.Duration    // defaults to Config.Performance.SweepInterval, then 1s
	PlainText       bool             // true treats every document as plain text, not Markdown
}

// Repository is spec §4.6's owner of one relational store, one lexical
// index, and N vector tables.
type Repository struct {
	root      string
	dataDir   string
	cfg       *config.Config
	factory   EmbedderFactory
	plainText bool

	db      *store.Store
	conn    *store.Conn
	lexical *store.LexicalIndex

	fileCache *docpipe.FileCache

	// mu guards the *set* of embedding configs and vector tables — not the
	// data inside each, which has its own locking (spec §4.6 "Locking").
	// Sweeps and Search take the read lock; ConfigureEmbedding and
	// Reconstruct take the write lock.
	mu      sync.RWMutex
	targets []docpipe.EmbeddingTarget

	stateReporter DocStateReporter
	progress      ProgressReporter
	sweepInterval time.Duration

	watcher *fsnotify.Watcher // optional fast-path accelerant; nil if unavailable
	wake    chan struct{}

	stop      chan struct{}
	sweepDone chan struct{}
	running   atomic.Bool
}

// Open creates or opens the repository at opts.Root, loading every valid
// embedding_config row into a live EmbeddingTarget, and starts the
// background sweep. Call Close to stop it and release storage handles.
func Open(ctx context.Context, opts Options) (*Repository, error) {
	if opts.Root == "" {
		return nil, kerrors.InvalidArgument("repository root is required", nil)
	}
	if opts.EmbedderFactory == nil {
		return nil, kerrors.InvalidArgument("repository requires an EmbedderFactory", nil)
	}
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(opts.Root, ".pocketrag")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}

	db, err := store.Open(filepath.Join(dataDir, "relational.db"))
	if err != nil {
		return nil, err
	}
	conn, err := db.Connection(ownerID)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := conn.InitSchema(ctx, ownerID); err != nil {
		_ = db.Close()
		return nil, err
	}
	lexical, err := store.NewLexicalIndex(ctx, conn, ownerID, nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Second
		if cfg.Performance.SweepInterval != "" {
			if d, err := time.ParseDuration(cfg.Performance.SweepInterval); err == nil && d > 0 {
				sweepInterval = d
			}
		}
	}

	r := &Repository{
		root:          opts.Root,
		dataDir:       dataDir,
		cfg:           cfg,
		factory:       opts.EmbedderFactory,
		plainText:     opts.PlainText,
		db:            db,
		conn:          conn,
		lexical:       lexical,
		fileCache:     docpipe.NewFileCache(docpipe.DefaultFileCacheSize),
		stateReporter: opts.StateReporter,
		progress:      opts.Progress,
		sweepInterval: sweepInterval,
		wake:          make(chan struct{}, 1),
	}

	targets, err := r.loadTargets(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	r.targets = targets

	r.startWatcher()
	r.startSweep()
	return r, nil
}

// loadTargets instantiates one EmbeddingTarget per valid=1 embedding_config
// row, opening (or creating) its dedicated vector table under
// dataDir/vectors/<config_name>.
func (r *Repository) loadTargets(ctx context.Context) ([]docpipe.EmbeddingTarget, error) {
	rows, err := r.conn.Query(ctx, ownerID,
		`SELECT id, config_name, model_name, model_path, max_input_length, valid FROM embedding_config WHERE valid = 1`)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	targets := make([]docpipe.EmbeddingTarget, 0, len(configs))
	for _, c := range configs {
		target, err := r.openTarget(ctx, c)
		if err != nil {
			for _, t := range targets {
				_ = t.Table.Close()
				_ = t.Embedder.Close()
			}
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, nil
}

func (r *Repository) openTarget(ctx context.Context, cfg store.EmbeddingConfig) (docpipe.EmbeddingTarget, error) {
	embedder, err := r.factory(cfg)
	if err != nil {
		return docpipe.EmbeddingTarget{}, kerrors.Wrap(kerrors.ErrInvalidArgument, fmt.Errorf("build embedder for %q: %w", cfg.ConfigName, err))
	}
	table, err := store.OpenVectorTable(filepath.Join(r.dataDir, "vectors", cfg.ConfigName), embedder.Dimensions())
	if err != nil {
		_ = embedder.Close()
		return docpipe.EmbeddingTarget{}, err
	}
	return docpipe.EmbeddingTarget{Config: cfg, Embedder: embedder, Table: table}, nil
}

// startWatcher tries to start an fsnotify watcher as an optional accelerant
// that nudges the sweep loop's ticker early (spec §4.6: sweep itself stays
// poll-based; a missed fsnotify event is never fatal since the next poll
// re-checks via stat+hash regardless). Failure to start is not fatal — the
// repository falls back to pure polling.
func (r *Repository) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	if err := w.Add(r.root); err != nil {
		_ = w.Close()
		return
	}
	r.watcher = w

	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				select {
				case r.wake <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Close stops the background sweep, the watcher, and every storage handle.
func (r *Repository) Close() error {
	r.stopSweepLoop()
	if r.watcher != nil {
		_ = r.watcher.Close()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, t := range r.targets {
		if err := t.Table.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := t.Embedder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.lexical.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func listRegularFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		base := filepath.Base(rel)
		if len(base) > 0 && base[0] == '.' {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, kerrors.FileAccess(fmt.Sprintf("walk %s", root), err)
	}
	return files, nil
}

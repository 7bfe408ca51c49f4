package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/config"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/output"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/repository"
)

func newIndexCmd() *cobra.Command {
	var (
		embeddingName     string
		embeddingModel    string
		embeddingEndpoint string
		offline           bool
		idleTimeout       time.Duration
		maxWait           time.Duration
	)

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Build (or refresh) the hybrid search index for a directory",
		Long: `Opens the repository at path (default: the current directory), configures
one embedding target, and waits for the background reconciliation sweep
(spec §4.6) to drain before exiting.

This is a one-shot CLI convenience over the same repository.Open +
ConfigureEmbedding path 'pocketrag-kernel serve' drives over the wire.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runIndex(ctx, cmd, path, indexOptions{
				embeddingName:     embeddingName,
				embeddingModel:    embeddingModel,
				embeddingEndpoint: embeddingEndpoint,
				offline:           offline,
				idleTimeout:       idleTimeout,
				maxWait:           maxWait,
			})
		},
	}

	cmd.Flags().StringVar(&embeddingName, "embedding-name", "default", "Name of the embedding configuration to create/keep")
	cmd.Flags().StringVar(&embeddingModel, "embedding-model", "embeddinggemma", "Embedding model name to request from the endpoint")
	cmd.Flags().StringVar(&embeddingEndpoint, "embedding-endpoint", "http://localhost:11434", "Ollama-compatible embeddings endpoint")
	cmd.Flags().BoolVar(&offline, "offline", false, "Use the deterministic stub embedder instead of a remote endpoint")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 3*time.Second, "How long the sweep must report no progress before the index is considered settled")
	cmd.Flags().DurationVar(&maxWait, "max-wait", 10*time.Minute, "Upper bound on how long to wait for the sweep to settle")

	return cmd
}

type indexOptions struct {
	embeddingName     string
	embeddingModel    string
	embeddingEndpoint string
	offline           bool
	idleTimeout       time.Duration
	maxWait           time.Duration
}

func runIndex(ctx context.Context, cmd *cobra.Command, path string, opts indexOptions) error {
	out := output.New(cmd.OutOrStdout())

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}
	dataDir := filepath.Join(root, ".pocketrag")

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	var lastProgress atomic.Int64
	var filesSeen atomic.Int64
	lastProgress.Store(time.Now().UnixNano())

	repo, err := repository.Open(ctx, repository.Options{
		Root:            root,
		DataDir:         dataDir,
		Config:          cfg,
		EmbedderFactory: embedderFactory(opts.offline),
		Progress: func(ev repository.ProgressEvent) {
			lastProgress.Store(time.Now().UnixNano())
			if ev.Done {
				filesSeen.Add(1)
				out.Statusf("", "indexed %s", ev.Path)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	defer func() { _ = repo.Close() }()

	endpoint := opts.embeddingEndpoint
	if opts.offline {
		endpoint = "stub"
	}
	if err := repo.ConfigureEmbedding(ctx, []repository.NewEmbeddingConfig{
		{
			ConfigName:     opts.embeddingName,
			ModelName:      opts.embeddingModel,
			ModelPath:      endpoint,
			MaxInputLength: cfg.Chunking.MaxLength,
		},
	}); err != nil {
		return fmt.Errorf("failed to configure embedding: %w", err)
	}

	out.Status("", fmt.Sprintf("indexing %s ...", root))

	deadline := time.Now().Add(opts.maxWait)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		idleSince := time.Since(time.Unix(0, lastProgress.Load()))
		if idleSince >= opts.idleTimeout {
			break
		}
		if time.Now().After(deadline) {
			out.Warning("timed out waiting for the sweep to settle; it will continue in the background if you rerun 'serve'")
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	report, err := repo.CheckConsistency(ctx)
	if err != nil {
		return fmt.Errorf("failed to check consistency: %w", err)
	}

	out.Success(fmt.Sprintf("indexed %d file(s), %d chunk(s) checked, %d inconsistenc(ies)",
		filesSeen.Load(), report.ChunksChecked, len(report.Inconsistencies)))
	return nil
}

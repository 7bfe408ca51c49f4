package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/config"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/output"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/repository"
)

func newSearchCmd() *cobra.Command {
	var (
		path   string
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search an already-indexed repository",
		Long: `Runs spec §4.6's hybrid BM25 + vector search directly against an existing
.pocketrag index, without going through the stdio protocol 'serve' speaks.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			query := strings.Join(args, " ")
			return runSearch(ctx, cmd, path, query, limit, format)
		},
	}

	cmd.Flags().StringVar(&path, "path", ".", "Repository root to search")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of hits per embedding")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, path, query string, limit int, format string) error {
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
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		return fmt.Errorf("no index found at %s; run 'pocketrag-kernel index' first", dataDir)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	repo, err := repository.Open(ctx, repository.Options{
		Root:            root,
		DataDir:         dataDir,
		Config:          cfg,
		EmbedderFactory: embedderFactory(false),
	})
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	defer func() { _ = repo.Close() }()

	results, err := repo.Search(ctx, query, limit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	total := 0
	for _, r := range results {
		total += len(r.Hits)
	}
	out.Statusf("🔍", "found %d hit(s) for %q across %d embedding(s):", total, query, len(results))
	out.Newline()
	for _, r := range results {
		out.Status("", fmt.Sprintf("[%s]", r.Embedding))
		for i, h := range r.Hits {
			out.Status("", fmt.Sprintf("  %d. chunk %d (score: %.3f)", i+1, h.ChunkID, h.FusedScore))
			out.Status("", "     "+firstLine(h.Content))
		}
	}
	return nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

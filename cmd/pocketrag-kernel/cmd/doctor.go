package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/config"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/output"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/repository"
)

func newDoctorCmd() *cobra.Command {
	var (
		path       string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose a repository's index health",
		Long: `Checks that the .pocketrag data directory is writable and, if an index
already exists, runs spec §8 invariant (1)'s cross-store consistency check
(every chunk row has exactly one lexical row and a live vector row).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDoctor(ctx, cmd, path, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&path, "path", ".", "Repository root to check")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// doctorResult is the structured outcome of one doctor run.
type doctorResult struct {
	Root            string `json:"root"`
	DataDirWritable bool   `json:"dataDirWritable"`
	IndexExists     bool   `json:"indexExists"`
	ChunksChecked   int    `json:"chunksChecked,omitempty"`
	Inconsistencies int    `json:"inconsistencies,omitempty"`
	Healthy         bool   `json:"healthy"`
}

func runDoctor(ctx context.Context, cmd *cobra.Command, path string, jsonOutput bool) error {
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

	result := doctorResult{Root: root}
	result.DataDirWritable = checkWritable(dataDir)
	if _, err := os.Stat(filepath.Join(dataDir, "relational.db")); err == nil {
		result.IndexExists = true
	}

	result.Healthy = result.DataDirWritable
	if result.IndexExists {
		cfg, err := config.Load(root)
		if err != nil {
			cfg = config.NewConfig()
		}
		repo, err := repository.Open(ctx, repository.Options{
			Root:            root,
			DataDir:         dataDir,
			Config:          cfg,
			EmbedderFactory: embedderFactory(true),
		})
		if err != nil {
			result.Healthy = false
		} else {
			report, err := repo.CheckConsistency(ctx)
			_ = repo.Close()
			if err != nil {
				result.Healthy = false
			} else {
				result.ChunksChecked = report.ChunksChecked
				result.Inconsistencies = len(report.Inconsistencies)
				result.Healthy = result.Healthy && result.Inconsistencies == 0
			}
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if result.DataDirWritable {
		out.Success(fmt.Sprintf("%s is writable", dataDir))
	} else {
		out.Error(fmt.Sprintf("%s is not writable", dataDir))
	}

	if result.IndexExists {
		out.Status("", fmt.Sprintf("index present: %d chunk(s) checked, %d inconsistenc(ies)", result.ChunksChecked, result.Inconsistencies))
	} else {
		out.Warning("no index found yet; run 'pocketrag-kernel index'")
	}

	if !result.Healthy {
		return fmt.Errorf("doctor found problems")
	}
	return nil
}

func checkWritable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".write-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return false
	}
	_ = os.Remove(probe)
	return true
}

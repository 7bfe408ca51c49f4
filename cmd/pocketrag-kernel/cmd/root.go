// Package cmd provides the CLI commands for pocketrag-kernel.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/logging"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/pkg/version"
)

var (
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the pocketrag-kernel CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pocketrag-kernel",
		Short: "Local, repository-scoped hybrid search and conversation kernel",
		Long: `pocketrag-kernel indexes a directory of Markdown and text files with hybrid
BM25 + vector search, and answers questions about it through a plan/
retrieve/evaluate/answer conversation loop backed by an OpenAI-compatible
chat completion endpoint.

Run 'pocketrag-kernel serve' to speak the newline-delimited JSON protocol
over stdio (the mode a UI frontend drives), or use 'index'/'search'/'doctor'
directly from a terminal.`,
		Version:      version.Version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate("pocketrag-kernel version {{.Version}}\n")

	root.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.pocketrag-kernel/logs/")
	root.PersistentPreRunE = startLogging
	root.PersistentPostRunE = stopLogging

	root.AddCommand(newServeCmd())
	root.AddCommand(newIndexCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func startLogging(_ *cobra.Command, _ []string) error {
	if !debugMode {
		return nil
	}
	logger, cleanup, err := logging.Setup(logging.DebugConfig())
	if err != nil {
		return err
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Info("debug logging enabled", slog.String("log_file", logging.DefaultLogPath()))
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/kernelserver"
)

func newServeCmd() *cobra.Command {
	var (
		userDataDir string
		offline     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the kernel's stdio protocol server",
		Long: `Start the kernel frontend (spec §4.8): a singleton process that owns the
global settings store and the open-repository registry, and speaks
newline-delimited JSON envelopes over stdin/stdout to a UI frontend.

Nothing but protocol envelopes may reach stdout once this command starts
— all diagnostics go to the debug log file instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := kernelserver.New(kernelserver.Options{
				UserDataDir:     userDataDir,
				EmbedderFactory: embedderFactory(offline),
				In:              os.Stdin,
				Out:             os.Stdout,
			})
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&userDataDir, "user-data-dir", "UserData", "Directory holding settings.json and the repository registry database")
	cmd.Flags().BoolVar(&offline, "offline", false, "Use the deterministic stub embedder instead of a remote embedding endpoint")

	return cmd
}

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/config"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/output"
)

func newInitCmd() *cobra.Command {
	var (
		force       bool
		userDataDir string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a .pocketrag.yaml project config and a UserData/settings.json",
		Long: `Writes the per-repository tuning file (.pocketrag.yaml, spec §5/§6) in the
current directory and a starter global UserData/settings.json with one
stub embedding configuration, so 'pocketrag-kernel index'/'search'/'serve'
have something to load on first run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd, force, userDataDir)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")
	cmd.Flags().StringVar(&userDataDir, "user-data-dir", "UserData", "Directory to write settings.json into")

	return cmd
}

func runInit(cmd *cobra.Command, force bool, userDataDir string) error {
	out := output.New(cmd.OutOrStdout())

	projectCfgPath := ".pocketrag.yaml"
	if _, err := os.Stat(projectCfgPath); err == nil && !force {
		out.Warning(fmt.Sprintf("%s already exists (use --force to overwrite)", projectCfgPath))
	} else {
		cfg := config.NewConfig()
		if err := cfg.WriteYAML(projectCfgPath); err != nil {
			return fmt.Errorf("failed to write %s: %w", projectCfgPath, err)
		}
		out.Success(fmt.Sprintf("wrote %s", projectCfgPath))
	}

	settingsPath := filepath.Join(userDataDir, "settings.json")
	if _, err := os.Stat(settingsPath); err == nil && !force {
		out.Warning(fmt.Sprintf("%s already exists (use --force to overwrite)", settingsPath))
		return nil
	}

	settings := &config.Settings{}
	settings.SearchSettings.EmbeddingConfig.Configs = []config.EmbeddingConfigEntry{
		{Name: "default", Model: "embeddinggemma", Path: "stub", InputLength: 1500},
	}
	settings.ConversationSettings.GenerationModel = []config.GenerationModelEntry{
		{Name: "default", BaseURL: "http://localhost:11434/v1", Model: "llama3.2"},
	}
	if err := config.WriteSettings(settingsPath, settings); err != nil {
		return fmt.Errorf("failed to write %s: %w", settingsPath, err)
	}
	out.Success(fmt.Sprintf("wrote %s", settingsPath))
	out.Status("", "edit it to point at a real embedding endpoint and generation model, then run 'pocketrag-kernel index'")
	return nil
}

package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/config"
)

func TestInitCmd_WritesProjectConfigAndSettings(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(wd) }()

	var stdout bytes.Buffer
	cmd := newInitCmd()
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"--user-data-dir", "UserData"})

	require.NoError(t, cmd.Execute())

	assert.FileExists(t, filepath.Join(dir, ".pocketrag.yaml"))

	settings, err := config.LoadSettings(filepath.Join(dir, "UserData", "settings.json"))
	require.NoError(t, err)
	require.Len(t, settings.SearchSettings.EmbeddingConfig.Configs, 1)
	assert.Equal(t, "default", settings.SearchSettings.EmbeddingConfig.Configs[0].Name)
	require.Len(t, settings.ConversationSettings.GenerationModel, 1)
}

func TestInitCmd_RefusesToOverwriteWithoutForce(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(wd) }()

	for i := 0; i < 2; i++ {
		var stdout bytes.Buffer
		cmd := newInitCmd()
		cmd.SetOut(&stdout)
		require.NoError(t, cmd.Execute())
		if i == 1 {
			assert.Contains(t, stdout.String(), "already exists")
		}
	}
}

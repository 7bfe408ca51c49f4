package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_HasSensibleDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 0.6, cfg.Search.FusionAlpha)
	assert.Equal(t, 3, cfg.Search.VectorOverfetch)
	assert.Equal(t, 20, cfg.Search.MaxResults)
	assert.Equal(t, 1500, cfg.Chunking.MaxLength)
	assert.Equal(t, "info", cfg.Server.LogLevel)
}

func TestConfig_Validate_RejectsOutOfRangeAlpha(t *testing.T) {
	cfg := NewConfig()
	cfg.Search.FusionAlpha = 1.5

	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_RejectsNonPositiveChunkLength(t *testing.T) {
	cfg := NewConfig()
	cfg.Chunking.MaxLength = 0

	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_RejectsUnknownLogLevel(t *testing.T) {
	cfg := NewConfig()
	cfg.Server.LogLevel = "verbose"

	assert.Error(t, cfg.Validate())
}

func TestLoad_AppliesProjectConfigOverDefaults(t *testing.T) {
	dir := t.TempDir()
	yamlContent := "search:\n  fusion_alpha: 0.75\n  max_results: 50\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".pocketrag.yaml"), []byte(yamlContent), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 0.75, cfg.Search.FusionAlpha)
	assert.Equal(t, 50, cfg.Search.MaxResults)
}

func TestLoad_NoProjectConfigUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.Search.FusionAlpha)
}

func TestLoad_EnvOverridesProjectConfig(t *testing.T) {
	dir := t.TempDir()
	yamlContent := "search:\n  fusion_alpha: 0.75\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".pocketrag.yaml"), []byte(yamlContent), 0o644))

	t.Setenv("POCKETRAG_FUSION_ALPHA", "0.9")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 0.9, cfg.Search.FusionAlpha)
}

func TestConfig_WriteYAML_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := NewConfig()
	cfg.Search.MaxResults = 42
	require.NoError(t, cfg.WriteYAML(path))

	loaded := NewConfig()
	require.NoError(t, loaded.loadYAML(path))
	assert.Equal(t, 42, loaded.Search.MaxResults)
}

func TestLoadSettings_MissingFileReturnsEmpty(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)
	assert.Empty(t, s.SearchSettings.EmbeddingConfig.Configs)
}

func TestWriteSettings_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "UserData", "settings.json")

	s := &Settings{
		SearchSettings: SearchSettings{
			EmbeddingConfig: EmbeddingConfigList{
				Configs: []EmbeddingConfigEntry{
					{Name: "default", Model: "bge-small", Path: "models/bge-small.onnx", InputLength: 512},
				},
			},
		},
	}
	require.NoError(t, WriteSettings(path, s))

	loaded, err := LoadSettings(path)
	require.NoError(t, err)
	require.Len(t, loaded.SearchSettings.EmbeddingConfig.Configs, 1)
	assert.Equal(t, "default", loaded.SearchSettings.EmbeddingConfig.Configs[0].Name)
}

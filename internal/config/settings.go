package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Settings is the global UserData/settings.json shape (spec.md §6):
//
//	{searchSettings:{embeddingConfig:{configs:[...]}, rerankConfig:{configs:[...]}},
//	 conversationSettings:{generationModel:[...]}}
type Settings struct {
	SearchSettings       SearchSettings       `json:"searchSettings"`
	ConversationSettings ConversationSettings `json:"conversationSettings"`
}

// SearchSettings holds the embedding and reranker configuration lists that
// back the repository's vector tables (one vector table per embedding config).
type SearchSettings struct {
	EmbeddingConfig EmbeddingConfigList `json:"embeddingConfig"`
	RerankConfig    RerankConfigList    `json:"rerankConfig"`
}

type EmbeddingConfigList struct {
	Configs []EmbeddingConfigEntry `json:"configs"`
}

// EmbeddingConfigEntry is one row of the UserData `embedding_config` table:
// a named pairing of an embedding model and an input-length budget.
type EmbeddingConfigEntry struct {
	Name        string `json:"name"`
	Model       string `json:"model"`
	Path        string `json:"path"`
	InputLength int    `json:"inputLength"`
}

type RerankConfigList struct {
	Configs []RerankConfigEntry `json:"configs"`
}

type RerankConfigEntry struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Path  string `json:"path"`
}

// ConversationSettings holds the generation models available to sessions.
type ConversationSettings struct {
	GenerationModel []GenerationModelEntry `json:"generationModel"`
}

// GenerationModelEntry describes one LLM conversation backend the session's
// plan/evaluate/answer loop (spec §4.7) can dispatch to.
type GenerationModelEntry struct {
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
	Model   string `json:"model"`
}

// DefaultSettingsPath returns ./UserData/settings.json relative to the
// kernel's working directory, per spec §6's "Global user data" layout.
func DefaultSettingsPath() string {
	return filepath.Join("UserData", "settings.json")
}

// LoadSettings reads and parses settings.json. A missing file returns an
// empty Settings, not an error — first-run has no configured embeddings yet.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	return &s, nil
}

// WriteSettings persists settings.json, creating UserData/ if needed.
func WriteSettings(path string, s *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

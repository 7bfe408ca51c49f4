package cmd

import (
	"context"
	"os"
	"strings"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/embed"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/store"
)

// embedderFactory builds the repository.EmbedderFactory every CLI command
// that opens a repository shares: one config row's ModelPath addresses a
// remote Ollama-compatible embeddings endpoint, wrapped in a query cache;
// an empty/"stub" path (used by --offline and by tests) falls back to the
// deterministic StubEmbedder so the CLI never requires a running model
// server just to exercise the index/search pipeline.
//
// POCKETRAG_EMBED_CACHE=false disables the wrapping cache, mirroring the
// teacher's embed.NewEmbedder opt-out knob.
func embedderFactory(offline bool) func(store.EmbeddingConfig) (embed.Embedder, error) {
	return func(cfg store.EmbeddingConfig) (embed.Embedder, error) {
		if offline || cfg.ModelPath == "" || cfg.ModelPath == "stub" {
			return embed.NewStubEmbedder(dimensionsOrDefault(cfg.MaxInputLength)), nil
		}

		remoteCfg := embed.DefaultRemoteConfig()
		remoteCfg.Endpoint = cfg.ModelPath
		remoteCfg.Model = cfg.ModelName
		if cfg.MaxInputLength > 0 {
			remoteCfg.MaxLength = cfg.MaxInputLength
		}

		embedder, err := embed.NewRemoteEmbedder(context.Background(), remoteCfg)
		if err != nil {
			return nil, err
		}

		if cacheDisabled() {
			return embedder, nil
		}
		return embed.NewCachedEmbedderWithDefaults(embedder), nil
	}
}

func cacheDisabled() bool {
	v := strings.ToLower(os.Getenv("POCKETRAG_EMBED_CACHE"))
	return v == "false" || v == "0" || v == "off" || v == "disabled"
}

// dimensionsOrDefault picks a stub embedding width; 8 is the width the
// package's own tests use, which is plenty for a non-semantic fallback.
func dimensionsOrDefault(_ int) int {
	return 8
}

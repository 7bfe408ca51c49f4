package docpipe

import (
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/embed"
	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/store"
)

// EmbeddingTarget pairs one embedding configuration with its embedder
// capability and its dedicated vector table (spec §4.6: "N vector tables,
// one per valid embedding configuration"). update_to_tables iterates one
// EmbeddingTarget at a time (spec §4.5: "For each (embedding, vector_table)
// pair").
type EmbeddingTarget struct {
	Config   store.EmbeddingConfig
	Embedder embed.Embedder
	Table    *store.VectorTable
}

// effectiveLength is min(embedding.input_length, model.max_length) (spec
// §4.5 step 1): the configured budget can't exceed what the model itself
// accepts. Returns the clamp amount too, so the caller can log surplus.
func (t EmbeddingTarget) effectiveLength() (length int, surplus int) {
	modelMax := t.Embedder.MaxLength()
	if t.Config.MaxInputLength <= modelMax {
		return t.Config.MaxInputLength, 0
	}
	return modelMax, t.Config.MaxInputLength - modelMax
}

// Package chunk implements the Markdown-aware recursive chunker (spec §4.4):
// a heading pass that builds heading-path metadata, followed by a recursive
// accept/split/merge decision driven by an ordered table of separator
// families, falling back to UTF-8-safe fixed-byte slicing.
package chunk

// DocType selects the length oracle and heading-pass behavior.
type DocType int

const (
	// DocTypeMarkdown runs the heading pass and counts length via the
	// injected LengthOracle (typically an embedding tokenizer).
	DocTypeMarkdown DocType = iota
	// DocTypePlainText skips the heading pass and counts length in bytes.
	DocTypePlainText
)

// MinLengthRatio is the fraction of MaxLength below which a chunk is
// considered "too small" and a candidate for merging with its neighbor
// (spec §4.4: min_length = floor(max_length * 0.85)).
const MinLengthRatio = 0.85

// AbsoluteMinLength is the floor below which a merged chunk is dropped
// instead of accepted, even after it has greedily absorbed every
// following same-level sibling it could (spec §4.4 #2, §9 Open Question
// (b): "confirm whether absolute-floor drop is desirable (current
// source does drop)"). Grounded on original_source's Chunker.cpp, whose
// merge loop discards a chunk still below this floor after merging.
const AbsoluteMinLength = 8

// Chunk is one emitted unit: bounded content plus its heading-path metadata
// and source line range (spec §4.4 output fields).
type Chunk struct {
	Content     string
	Metadata    string // '>'-joined heading path, e.g. "Intro>Usage"
	NestedLevel int
	BeginLine   int
	EndLine     int
}

// LengthOracle measures a candidate chunk's length in whatever unit the
// caller's max_length budget is expressed in — bytes for plain text, token
// count for Markdown when an embedding tokenizer is supplied (spec §4.4,
// §9 "external collaborator" rule: never computed in-package).
type LengthOracle func(s string) int

// ByteLengthOracle is the default oracle for plain text.
func ByteLengthOracle(s string) int {
	return len(s)
}

// Options configures a Chunk invocation.
type Options struct {
	DocType   DocType
	MaxLength int
	Oracle    LengthOracle
	// ExtraMetadata is prepended to each chunk's Content as " <key> value\n"
	// lines in sorted key order (e.g. {"FilePath": "a.md"}); the heading
	// path is not written into Content, only into Metadata.
	ExtraMetadata map[string]string
}

package store

import (
	"strings"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
)

// DefaultCodeStopWords filters common low-signal tokens out of both
// indexed content and queries (grounded on the teacher's
// internal/store/types.go list).
var DefaultCodeStopWords = []string{
	"var", "let", "const", "func", "function", "def", "class",
	"return", "if", "else", "for", "while",
	"data", "result", "value", "item", "key", "err", "ctx", "tmp",
}

// Analyzer is the injected tokenization capability the lexical index uses
// to pre-process content and queries in Go before handing them to FTS5. It
// is not registered inside SQLite, and Highlight does not use it.
type Analyzer interface {
	// Tokenize splits text into searchable terms.
	Tokenize(text string) []string
}

// CodeAwareAnalyzer is the default analyzer: camelCase/snake_case aware
// tokenization plus stop-word filtering, grounded on the teacher's
// internal/store/tokenizer.go (kept as-is — pure mechanism, reused here
// rather than duplicated).
type CodeAwareAnalyzer struct {
	stopWords map[string]struct{}
}

// NewCodeAwareAnalyzer builds an analyzer with the given stop words (pass
// nil to disable stop-word filtering).
func NewCodeAwareAnalyzer(stopWords []string) *CodeAwareAnalyzer {
	return &CodeAwareAnalyzer{stopWords: BuildStopWordMap(stopWords)}
}

func (a *CodeAwareAnalyzer) Tokenize(text string) []string {
	tokens := TokenizeCode(text)
	if len(a.stopWords) > 0 {
		tokens = FilterStopWords(tokens, a.stopWords)
	}
	return tokens
}

// CJKAnalyzer wraps bleve's Unicode word-boundary tokenizer to give the
// lexical index a CJK-aware tokenization path without making bleve the
// search backend itself (SPEC_FULL.md's DOMAIN STACK: bleve contributes
// tokenization only, FTS5 remains the lexical backend). Tokens the
// segmenter classifies as Ideographic (CJK text carries no whitespace
// between words, so the segmenter yields one token per character) pass
// through as-is; every other token is further split camelCase/snake_case
// and stop-word filtered by the code-aware analyzer.
type CJKAnalyzer struct {
	inner     *CodeAwareAnalyzer
	tokenizer analysis.Tokenizer
}

// NewCJKAnalyzer builds a CJK-aware analyzer layered over the code-aware one.
func NewCJKAnalyzer(stopWords []string) *CJKAnalyzer {
	return &CJKAnalyzer{
		inner:     NewCodeAwareAnalyzer(stopWords),
		tokenizer: unicode.NewUnicodeTokenizer(),
	}
}

func (a *CJKAnalyzer) Tokenize(text string) []string {
	var tokens []string
	for _, tok := range a.tokenizer.Tokenize([]byte(text)) {
		if tok.Type == analysis.Ideographic {
			tokens = append(tokens, strings.ToLower(string(tok.Term)))
			continue
		}
		tokens = append(tokens, a.inner.Tokenize(string(tok.Term))...)
	}
	return tokens
}

package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/internal/errors"
)

// LexicalResult is one ranked hit from a lexical search (spec §4.2).
type LexicalResult struct {
	ChunkID    int64
	Similarity float64
	Highlight  string
}

// LexicalIndex owns one FTS5 virtual table keyed by chunk_id, with an
// injected Analyzer pre-processing both indexed content and queries (spec
// §4.2, §9). Grounded on the teacher's sqlite_bm25.go — same WAL/FTS5
// plumbing, generalized to the spec's chunk_id keying, metadata column, and
// similarity/highlight formulas.
type LexicalIndex struct {
	mu       sync.RWMutex
	conn     *Conn
	ownerID  string
	analyzer Analyzer
	closed   bool
}

// NewLexicalIndex opens (creating if needed) the FTS5 table on conn, which
// must already be connected under ownerID.
func NewLexicalIndex(ctx context.Context, conn *Conn, ownerID string, analyzer Analyzer) (*LexicalIndex, error) {
	if analyzer == nil {
		analyzer = NewCodeAwareAnalyzer(DefaultCodeStopWords)
	}

	idx := &LexicalIndex{conn: conn, ownerID: ownerID, analyzer: analyzer}
	if err := idx.initSchema(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// initSchema creates the FTS5 table with two text columns: `content` holds
// the original, human-readable chunk text (spec §3 "Lexical row ... Holds
// content"), kept UNINDEXED so it survives untouched for highlight() and
// display; `search_text` holds the analyzer's pre-tokenized form and is the
// only indexed (and thus MATCH/bm25-scored) column — the spec's "tokenized
// indexes for BM25" built from content via the injected analyzer.
func (l *LexicalIndex) initSchema(ctx context.Context) error {
	schema := `
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_content USING fts5(
		chunk_id UNINDEXED,
		content UNINDEXED,
		search_text,
		metadata UNINDEXED,
		tokenize='unicode61'
	);
	`
	if _, err := l.conn.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	return nil
}

// Upsert idempotently replaces the row for chunkID (FTS5 has no native
// UPSERT, so this deletes then inserts, matching the teacher's pattern).
func (l *LexicalIndex) Upsert(ctx context.Context, chunkID int64, content, metadata string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New(errors.ErrExecuteFailed, "lexical index is closed", nil)
	}

	searchText := strings.Join(l.analyzer.Tokenize(content), " ")

	tx, err := l.conn.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrTransactionError, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fts_content WHERE chunk_id = ?`, chunkID); err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fts_content(chunk_id, content, search_text, metadata) VALUES (?, ?, ?, ?)`,
		chunkID, content, searchText, metadata); err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrTransactionError, err)
	}
	return nil
}

// Delete removes the row for chunkID. Fails with NotFoundError if absent
// (spec §4.2: "delete(chunk_id): fails with not-found if absent").
func (l *LexicalIndex) Delete(ctx context.Context, chunkID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New(errors.ErrExecuteFailed, "lexical index is closed", nil)
	}

	res, err := l.conn.db.ExecContext(ctx, `DELETE FROM fts_content WHERE chunk_id = ?`, chunkID)
	if err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrExecuteFailed, err)
	}
	if n == 0 {
		return &NotFoundError{Kind: "lexical row", ID: chunkID}
	}
	return nil
}

// Search analyzes the query into keywords, ORs them, ranks by BM25 ascending
// (more negative = better), and returns up to limit results with similarity
// normalized to `1 - 1/(1 - bm25)` (spec §4.2) and highlighted content.
func (l *LexicalIndex) Search(ctx context.Context, query string, limit int) ([]LexicalResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, errors.New(errors.ErrExecuteFailed, "lexical index is closed", nil)
	}
	if strings.TrimSpace(query) == "" {
		return []LexicalResult{}, nil
	}

	tokens := l.analyzer.Tokenize(query)
	if len(tokens) == 0 {
		return []LexicalResult{}, nil
	}
	matchQuery := "search_text:(" + strings.Join(tokens, " OR ") + ")"

	rows, err := l.conn.db.QueryContext(ctx, `
		SELECT chunk_id, content, bm25(fts_content) AS score
		FROM fts_content
		WHERE fts_content MATCH ?
		ORDER BY score
		LIMIT ?
	`, matchQuery, limit)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []LexicalResult{}, nil
		}
		return nil, errors.Wrap(errors.ErrExecuteFailed, err)
	}
	defer rows.Close()

	var results []LexicalResult
	for rows.Next() {
		var chunkID int64
		var content string
		var score float64
		if err := rows.Scan(&chunkID, &content, &score); err != nil {
			return nil, errors.Wrap(errors.ErrExecuteFailed, err)
		}
		results = append(results, LexicalResult{
			ChunkID:    chunkID,
			Similarity: bm25ToSimilarity(score),
			Highlight:  Highlight(content, query),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrExecuteFailed, err)
	}
	return results, nil
}

// Get fetches the raw content/metadata for chunkID (used by the repository
// to materialize search hits after fusion).
func (l *LexicalIndex) Get(ctx context.Context, chunkID int64) (content, metadata string, err error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	row := l.conn.db.QueryRowContext(ctx,
		`SELECT content, metadata FROM fts_content WHERE chunk_id = ?`, chunkID)
	if scanErr := row.Scan(&content, &metadata); scanErr != nil {
		return "", "", &NotFoundError{Kind: "lexical row", ID: chunkID}
	}
	return content, metadata, nil
}

// Close releases the lexical index. The underlying connection is owned by
// the caller and is not closed here.
func (l *LexicalIndex) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// bm25ToSimilarity normalizes FTS5's bm25() output (lower/more negative is
// better) into [0,1) where higher is better (spec §4.2).
func bm25ToSimilarity(bm25Score float64) float64 {
	denom := 1 - bm25Score
	if denom == 0 {
		return 0
	}
	return 1 - 1/denom
}

var highlightTokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Highlight produces highlights offline for already-retrieved text (spec
// §4.2): tokenize the query, keep only alphanumeric/non-ASCII tokens, drop
// tokens that are proper substrings of another kept token, drop tokens
// below a minimum length unless the whole query is itself shorter, and wrap
// every literal occurrence in <mark>...</mark>.
func Highlight(text, query string) string {
	const minTokenLen = 2

	raw := highlightTokenPattern.FindAllString(query, -1)
	if len(raw) == 0 {
		return text
	}

	kept := make([]string, 0, len(raw))
	seen := make(map[string]bool)
	for _, tok := range raw {
		lower := strings.ToLower(tok)
		if seen[lower] {
			continue
		}
		if len([]rune(lower)) < minTokenLen && len([]rune(query)) >= minTokenLen {
			continue
		}
		seen[lower] = true
		kept = append(kept, lower)
	}

	// Drop tokens that are a proper substring of another kept token — the
	// longer token already covers every occurrence the shorter one would.
	final := make([]string, 0, len(kept))
	for _, tok := range kept {
		isSubstring := false
		for _, other := range kept {
			if other != tok && strings.Contains(other, tok) {
				isSubstring = true
				break
			}
		}
		if !isSubstring {
			final = append(final, tok)
		}
	}
	if len(final) == 0 {
		return text
	}

	// Longest tokens first so overlapping matches prefer the longer wrap.
	sort.Slice(final, func(i, j int) bool { return len(final[i]) > len(final[j]) })

	return wrapOccurrences(text, final)
}

func wrapOccurrences(text string, tokens []string) string {
	type span struct{ start, end int }
	var spans []span

	lower := strings.ToLower(text)
	for _, tok := range tokens {
		start := 0
		for {
			idx := strings.Index(lower[start:], tok)
			if idx == -1 {
				break
			}
			absStart := start + idx
			absEnd := absStart + len(tok)
			spans = append(spans, span{absStart, absEnd})
			start = absEnd
		}
	}
	if len(spans) == 0 {
		return text
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var b strings.Builder
	cursor := 0
	for _, sp := range spans {
		if sp.start < cursor {
			continue // overlapping with an already-wrapped, longer match
		}
		b.WriteString(text[cursor:sp.start])
		fmt.Fprintf(&b, "<mark>%s</mark>", text[sp.start:sp.end])
		cursor = sp.end
	}
	b.WriteString(text[cursor:])
	return b.String()
}

package chunk

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

var headingPattern = regexp.MustCompile(`^(#{1,6})[ \t]+(.+?)[ \t]*#*[ \t]*$`)

// section is an intermediate heading-scoped block produced by the heading
// pass, before the recursive accept/split/merge decision runs over it.
type section struct {
	content     string
	path        []string // heading titles from root to this section, inclusive of synthesized levels
	nestedLevel int
	startOffset int // byte offset into the normalized document
}

// Chunks runs the full spec §4.4 pipeline: heading pass (Markdown only),
// then a recursive accept/split/merge pass bounded by opts.MaxLength, then
// line-offset mapping and metadata assembly.
func Chunks(text string, opts Options) ([]Chunk, error) {
	if opts.MaxLength <= 0 {
		return nil, fmt.Errorf("chunk: MaxLength must be positive")
	}
	oracle := opts.Oracle
	if oracle == nil {
		oracle = ByteLengthOracle
	}

	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	lineStarts := buildLineIndex(normalized)

	var sections []section
	if opts.DocType == DocTypeMarkdown {
		sections = headingPass(normalized)
	} else {
		sections = []section{{content: normalized, path: nil, nestedLevel: 0, startOffset: 0}}
	}

	built := buildChunks(sections, opts.MaxLength, oracle)

	result := make([]Chunk, 0, len(built))
	for _, c := range built {
		beginLine := offsetToLine(lineStarts, c.startOffset)
		endLine := offsetToLine(lineStarts, c.startOffset+max(len(c.content)-1, 0))
		result = append(result, Chunk{
			Content:     applyExtraMetadata(c.content, opts.ExtraMetadata),
			Metadata:    strings.Join(c.path, ">"),
			NestedLevel: c.nestedLevel,
			BeginLine:   beginLine,
			EndLine:     endLine,
		})
	}
	return result, nil
}

func applyExtraMetadata(content string, extra map[string]string) string {
	if len(extra) == 0 {
		return content
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s %s\n", k, extra[k])
	}
	b.WriteString(content)
	return b.String()
}

// headingPass walks the document top to bottom, attributing every block of
// non-heading text to the path of headings above it (spec §4.4 #1-2).
// Intermediate heading levels with no heading line of their own are
// synthesized as empty path segments so nested_level always matches depth.
func headingPass(text string) []section {
	lines := strings.Split(text, "\n")
	lineOffsets := make([]int, len(lines))
	offset := 0
	for i, l := range lines {
		lineOffsets[i] = offset
		offset += len(l) + 1
	}

	var sections []section
	path := make([]string, 6)
	depth := 0 // 0 = no heading seen yet

	blockStart := 0
	var blockLines []string
	flush := func() {
		if len(blockLines) == 0 {
			return
		}
		content := strings.Join(blockLines, "\n")
		if strings.TrimSpace(content) != "" {
			sections = append(sections, section{
				content:     content,
				path:        append([]string(nil), path[:depth]...),
				nestedLevel: depth,
				startOffset: lineOffsets[blockStart],
			})
		}
		blockLines = nil
	}

	for i, line := range lines {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			flush()
			level := len(m[1])
			title := strings.TrimSpace(m[2])

			// Synthesize empty intermediate levels so depth tracks level exactly.
			for level > depth+1 {
				depth++
				path[depth-1] = ""
			}
			depth = level
			path[depth-1] = title
			for j := depth; j < len(path); j++ {
				path[j] = ""
			}

			// A heading followed (past any blank lines) by another heading or
			// EOF has no body, so it gets emitted as a standalone section so
			// the title survives.
			next := i + 1
			for next < len(lines) && strings.TrimSpace(lines[next]) == "" {
				next++
			}
			if next >= len(lines) || headingPattern.MatchString(lines[next]) {
				sections = append(sections, section{
					content:     title,
					path:        append([]string(nil), path[:depth-1]...),
					nestedLevel: depth,
					startOffset: lineOffsets[i],
				})
			}
			blockStart = i + 1
			continue
		}
		if len(blockLines) == 0 {
			blockStart = i
		}
		blockLines = append(blockLines, line)
	}
	flush()

	if len(sections) == 0 {
		return []section{{content: text, path: nil, nestedLevel: 0, startOffset: 0}}
	}
	return sections
}

// builtChunk is a section after the recursive accept/split/merge pass, still
// tracking its document position for line mapping.
type builtChunk struct {
	content     string
	path        []string
	nestedLevel int
	startOffset int
}

// buildChunks applies spec §4.4 #3's recursive decision to every section:
// accept if min_length <= len < max_length, split if len >= max_length,
// else merge forward with following sections at the same nested level.
func buildChunks(sections []section, maxLength int, oracle LengthOracle) []builtChunk {
	minLength := int(math.Floor(float64(maxLength) * MinLengthRatio))

	var result []builtChunk
	i := 0
	for i < len(sections) {
		cur := sections[i]
		length := oracle(cur.content)

		switch {
		case length >= maxLength:
			for _, piece := range recursiveSplit(cur.content, 0, maxLength, oracle) {
				result = append(result, builtChunk{
					content:     piece.text,
					path:        cur.path,
					nestedLevel: cur.nestedLevel,
					startOffset: cur.startOffset + piece.offset,
				})
			}
			i++

		case length >= minLength:
			result = append(result, builtChunk{
				content:     cur.content,
				path:        cur.path,
				nestedLevel: cur.nestedLevel,
				startOffset: cur.startOffset,
			})
			i++

		default:
			merged := cur
			j := i + 1
			for j < len(sections) && sections[j].nestedLevel == cur.nestedLevel {
				candidate := merged.content + "\n" + sections[j].content
				if oracle(candidate) > maxLength {
					break
				}
				merged.content = candidate
				merged.path = longestCommonPathPrefix(merged.path, sections[j].path)
				j++
			}
			// Still below the absolute floor even after greedily merging
			// forward: drop it rather than emit a near-empty chunk.
			if oracle(merged.content) < AbsoluteMinLength {
				i = j
				continue
			}
			result = append(result, builtChunk{
				content:     merged.content,
				path:        merged.path,
				nestedLevel: merged.nestedLevel,
				startOffset: merged.startOffset,
			})
			i = j
		}
	}
	return result
}

type splitPiece struct {
	text   string
	offset int
}

// recursiveSplit divides content using the split table, starting at
// fromIndex, recursing into any piece that's still too long with the next
// family in priority order, and falling back to fixed-byte slicing once the
// table is exhausted (spec §4.4 #3).
func recursiveSplit(content string, fromIndex int, maxLength int, oracle LengthOracle) []splitPiece {
	if oracle(content) < maxLength || fromIndex >= len(splitTable) {
		if oracle(content) < maxLength {
			return []splitPiece{{text: content, offset: 0}}
		}
		return fixedByteSplitPieces(content, maxLength)
	}

	spans := atomicSpans(content)
	pieces, usedIndex, ok := splitOnce(content, fromIndex, spans)
	if !ok {
		return fixedByteSplitPieces(content, maxLength)
	}

	var out []splitPiece
	runningOffset := 0
	for _, p := range pieces {
		if oracle(p) >= maxLength {
			for _, sub := range recursiveSplit(p, usedIndex+1, maxLength, oracle) {
				out = append(out, splitPiece{text: sub.text, offset: runningOffset + sub.offset})
			}
		} else {
			out = append(out, splitPiece{text: p, offset: runningOffset})
		}
		runningOffset += len(p)
	}
	return out
}

func fixedByteSplitPieces(content string, maxLength int) []splitPiece {
	var out []splitPiece
	offset := 0
	for _, p := range fixedByteSplit(content, maxLength) {
		out = append(out, splitPiece{text: p, offset: offset})
		offset += len(p)
	}
	return out
}

// longestCommonPathPrefix merges two heading paths down to where they agree,
// per spec §4.4 #4's metadata-merge-on-join rule.
func longestCommonPathPrefix(a, b []string) []string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return append([]string(nil), a[:i]...)
}

func buildLineIndex(text string) []int {
	starts := []int{0}
	for i, b := range []byte(text) {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// offsetToLine converts a byte offset to a 1-based line number.
func offsetToLine(lineStarts []int, offset int) int {
	idx := sort.Search(len(lineStarts), func(i int) bool { return lineStarts[i] > offset })
	return idx // idx-1 is the 0-based line, so idx is the 1-based line number
}

package chunk

import "strings"

// atomicSpan is a byte range within a section's content that recursiveSplit
// must never cut through: a pipe-table block or a thematic-break ("cutline")
// line (spec's Supplemented features: original_source/kernel/src/Split.cpp
// treats both as atomic nodes, never as ordinary split points).
type atomicSpan struct {
	start, end int // half-open
}

// atomicSpans scans content line by line and returns every table block and
// thematic-break line found, in document order. Grounded on Split.cpp's
// isTableRow/isSeparatorLine lookahead (a table starts at a row immediately
// followed by a separator row, and extends while rows keep matching either)
// and isCutline (a line of three or more repeated '-', '*', or '_').
func atomicSpans(content string) []atomicSpan {
	lines := strings.Split(content, "\n")
	offsets := make([]int, len(lines))
	offset := 0
	for i, l := range lines {
		offsets[i] = offset
		offset += len(l) + 1
	}

	var spans []atomicSpan
	i := 0
	for i < len(lines) {
		if i+1 < len(lines) && isTableRow(lines[i]) && isSeparatorLine(lines[i+1]) {
			j := i
			for j < len(lines) && (isTableRow(lines[j]) || isSeparatorLine(lines[j])) {
				j++
			}
			spans = append(spans, atomicSpan{start: offsets[i], end: offsets[j-1] + len(lines[j-1])})
			i = j
			continue
		}
		if isThematicBreakLine(lines[i]) {
			spans = append(spans, atomicSpan{start: offsets[i], end: offsets[i] + len(lines[i])})
		}
		i++
	}
	return spans
}

// isTableRow reports whether line looks like a Markdown pipe-table row.
func isTableRow(line string) bool {
	return strings.Contains(line, "|")
}

// isSeparatorLine reports whether line is a pipe-table header separator, e.g.
// "|---|:---:|---:|": every non-empty cell must contain only '-' and ':'.
func isSeparatorLine(line string) bool {
	if !strings.Contains(line, "|") {
		return false
	}
	cells := strings.Split(line, "|")
	sawDash := false
	for _, cell := range cells {
		c := strings.TrimSpace(cell)
		if c == "" {
			continue
		}
		for _, r := range c {
			if r != '-' && r != ':' {
				return false
			}
		}
		if strings.ContainsRune(c, '-') {
			sawDash = true
		}
	}
	return sawDash
}

// isThematicBreakLine reports whether line, once trimmed, is three or more
// repetitions of the same cutline character ('-', '*', or '_').
func isThematicBreakLine(line string) bool {
	t := strings.TrimSpace(line)
	if len(t) < 3 {
		return false
	}
	c := rune(t[0])
	if c != '-' && c != '*' && c != '_' {
		return false
	}
	for _, r := range t {
		if r != c {
			return false
		}
	}
	return true
}

// inAtomicSpan reports whether the half-open byte range [start,end) overlaps
// any span in spans.
func inAtomicSpan(start, end int, spans []atomicSpan) bool {
	for _, sp := range spans {
		if start < sp.end && end > sp.start {
			return true
		}
	}
	return false
}

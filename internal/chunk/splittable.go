package chunk

import "strings"

// separator is one entry in a split-table family: a literal token and
// whether it's retained at the start of the following piece (splitBefore)
// or the end of the preceding one.
type separator struct {
	token       string
	splitBefore bool
}

// splitTable is the ordered list of separator families, tried in priority
// order until one of them actually occurs in the content. It has no
// thematic-break family: cutlines are kept whole as atomic spans
// (atomic.go) and are never used as split points.
// Grounded on original_source/kernel/src/Split.h's flat splitCriterion list,
// generalized into named families with multiple tokens per family.
var splitTable = [][]separator{
	{ // blank line
		{token: "\n\n", splitBefore: false},
	},
	{ // code fence
		{token: "\n```", splitBefore: true},
	},
	{ // list bullet
		{token: "\n- ", splitBefore: true},
		{token: "\n* ", splitBefore: true},
		{token: "\n+ ", splitBefore: true},
	},
	{ // quote delimiter
		{token: "\n> ", splitBefore: true},
	},
	{ // line break
		{token: "\n", splitBefore: false},
	},
	{ // sentence terminators (ASCII and CJK)
		{token: ". ", splitBefore: false},
		{token: "! ", splitBefore: false},
		{token: "? ", splitBefore: false},
		{token: "。", splitBefore: false},
		{token: "！", splitBefore: false},
		{token: "？", splitBefore: false},
	},
	{ // semicolons
		{token: "; ", splitBefore: false},
		{token: "；", splitBefore: false},
	},
	{ // commas
		{token: ", ", splitBefore: false},
		{token: "，", splitBefore: false},
	},
	{ // other in-sentence separators
		{token: "·", splitBefore: false},
		{token: "—", splitBefore: false},
		{token: "(", splitBefore: true},
		{token: ")", splitBefore: false},
	},
	{ // space
		{token: " ", splitBefore: false},
	},
	{ // inside-word separators
		{token: ":", splitBefore: false},
		{token: "/", splitBefore: false},
		{token: ".", splitBefore: false},
	},
}

// splitOnce splits content on the first family (in priority order, starting
// at fromIndex) that actually occurs in it. spans marks table blocks and
// thematic-break lines that no family may cut through (spec's Supplemented
// features: original_source treats both as atomic nodes). Returns the
// resulting pieces, the family index used, and ok=false if no family in the
// table matches (caller falls back to fixed-byte slicing).
func splitOnce(content string, fromIndex int, spans []atomicSpan) (pieces []string, usedIndex int, ok bool) {
	for idx := fromIndex; idx < len(splitTable); idx++ {
		if p, matched := splitByFamily(content, splitTable[idx], spans); matched {
			return p, idx, true
		}
	}
	return nil, -1, false
}

// splitByFamily splits content at every occurrence of any separator in the
// family, scanning left to right and always taking the earliest match so
// pieces come out in document order. A candidate match whose byte range
// falls inside a protected span is skipped rather than split on.
func splitByFamily(content string, family []separator, spans []atomicSpan) ([]string, bool) {
	var pieces []string
	remaining := content
	consumed := 0
	found := false

	for len(remaining) > 0 {
		bestPos := -1
		var bestSep separator
		for _, sep := range family {
			if sep.token == "" {
				continue
			}
			searchFrom := 0
			for {
				pos := strings.Index(remaining[searchFrom:], sep.token)
				if pos < 0 {
					break
				}
				pos += searchFrom
				if inAtomicSpan(consumed+pos, consumed+pos+len(sep.token), spans) {
					searchFrom = pos + 1
					continue
				}
				if bestPos == -1 || pos < bestPos {
					bestPos = pos
					bestSep = sep
				}
				break
			}
		}
		if bestPos == -1 {
			break
		}
		found = true
		if bestSep.splitBefore {
			pieces = append(pieces, remaining[:bestPos])
			consumed += bestPos
			remaining = remaining[bestPos:]
		} else {
			cut := bestPos + len(bestSep.token)
			pieces = append(pieces, remaining[:cut])
			consumed += cut
			remaining = remaining[cut:]
		}
	}
	if !found {
		return nil, false
	}
	if len(remaining) > 0 {
		pieces = append(pieces, remaining)
	}
	// A "split" that yields only one piece didn't actually divide anything.
	if len(pieces) < 2 {
		return nil, false
	}
	return pieces, true
}

// fixedByteSplit is the terminal fallback: UTF-8-safe fixed-byte windows,
// used once the split table is exhausted (spec §4.4 #3).
func fixedByteSplit(content string, maxLength int) []string {
	if maxLength <= 0 || len(content) <= maxLength {
		return []string{content}
	}

	var pieces []string
	b := []byte(content)
	for len(b) > 0 {
		cut := maxLength
		if cut > len(b) {
			cut = len(b)
		}
		// Back off until we land on a UTF-8 code-point boundary.
		for cut > 0 && cut < len(b) && isUTF8Continuation(b[cut]) {
			cut--
		}
		if cut == 0 {
			cut = 1
		}
		pieces = append(pieces, string(b[:cut]))
		b = b[cut:]
	}
	return pieces
}

func isUTF8Continuation(b byte) bool {
	return b&0xC0 == 0x80
}

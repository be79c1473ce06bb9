// Package diff compares two text snapshots token by token.
package diff

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// SegmentType classifies a diff segment.
type SegmentType string

const (
	// SegmentEqual marks text present in both inputs.
	SegmentEqual SegmentType = "equal"
	// SegmentAdded marks text present only in the new input.
	SegmentAdded SegmentType = "added"
	// SegmentRemoved marks text present only in the old input.
	SegmentRemoved SegmentType = "removed"
)

// ErrInputTooLarge indicates that an input exceeds the caller's token limit.
var ErrInputTooLarge = errors.New("diff: input too large")

// Segment is one run of the diff output.
type Segment struct {
	Type SegmentType `json:"type"`
	Text string      `json:"text"`
}

// Compute returns the ordered segments turning oldText into newText.
//
// Both inputs are split into alternating word and whitespace tokens and compared
// with a longest-common-subsequence table, so time and memory grow with the
// product of the token counts. When taking the next new token scores at least as
// well as taking the next old token, the added segment is emitted first.
// Adjacent segments of the same type are coalesced.
func Compute(oldText, newText string) []Segment {
	a := Tokenize(oldText)
	b := Tokenize(newText)
	n, m := len(a), len(b)

	table := make([][]int, n+1)
	for i := range table {
		table[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				table[i][j] = table[i+1][j+1] + 1
			} else {
				table[i][j] = max(table[i+1][j], table[i][j+1])
			}
		}
	}

	segments := make([]Segment, 0, n+m)
	i, j := 0, 0
	for i < n || j < m {
		switch {
		case i < n && j < m && a[i] == b[j]:
			segments = appendSegment(segments, SegmentEqual, a[i])
			i++
			j++
		case j < m && (i == n || table[i][j+1] >= table[i+1][j]):
			segments = appendSegment(segments, SegmentAdded, b[j])
			j++
		default:
			segments = appendSegment(segments, SegmentRemoved, a[i])
			i++
		}
	}
	return segments
}

// ComputeLimited is Compute guarded by a per-side token limit. A non-positive
// limit disables the guard.
func ComputeLimited(oldText, newText string, maxTokens int) ([]Segment, error) {
	if maxTokens > 0 {
		if count := len(Tokenize(oldText)); count > maxTokens {
			return nil, fmt.Errorf("%w: old text has %d tokens, limit %d", ErrInputTooLarge, count, maxTokens)
		}
		if count := len(Tokenize(newText)); count > maxTokens {
			return nil, fmt.Errorf("%w: new text has %d tokens, limit %d", ErrInputTooLarge, count, maxTokens)
		}
	}
	return Compute(oldText, newText), nil
}

// Tokenize splits text into maximal runs of whitespace and non-whitespace.
// Concatenating the tokens yields the input.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	tokens := make([]string, 0, len(text)/4+1)
	start := 0
	first, _ := utf8.DecodeRuneInString(text)
	inSpace := isSpace(first)
	for offset, r := range text {
		space := isSpace(r)
		if space != inSpace {
			tokens = append(tokens, text[start:offset])
			start = offset
			inSpace = space
		}
	}
	return append(tokens, text[start:])
}

// isSpace matches the regular-expression \s class browser clients tokenize
// with: Unicode white space plus the byte order mark, without NEL.
func isSpace(r rune) bool {
	switch r {
	case '\uFEFF':
		return true
	case '\u0085':
		return false
	}
	return unicode.IsSpace(r)
}

// OldText reassembles the old input from segments.
func OldText(segments []Segment) string {
	return join(segments, SegmentAdded)
}

// NewText reassembles the new input from segments.
func NewText(segments []Segment) string {
	return join(segments, SegmentRemoved)
}

func join(segments []Segment, skip SegmentType) string {
	size := 0
	for _, segment := range segments {
		if segment.Type != skip {
			size += len(segment.Text)
		}
	}
	buffer := make([]byte, 0, size)
	for _, segment := range segments {
		if segment.Type != skip {
			buffer = append(buffer, segment.Text...)
		}
	}
	return string(buffer)
}

func appendSegment(segments []Segment, segmentType SegmentType, text string) []Segment {
	if last := len(segments) - 1; last >= 0 && segments[last].Type == segmentType {
		segments[last].Text += text
		return segments
	}
	return append(segments, Segment{Type: segmentType, Text: text})
}

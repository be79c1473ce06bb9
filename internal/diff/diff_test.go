package diff

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeReconstructsBothInputs(t *testing.T) {
	cases := []struct {
		name    string
		oldText string
		newText string
	}{
		{name: "empty both", oldText: "", newText: ""},
		{name: "insert into empty", oldText: "", newText: "hello world"},
		{name: "delete everything", oldText: "hello world", newText: ""},
		{name: "word swap", oldText: "the quick brown fox", newText: "the slow brown cat"},
		{name: "whitespace only change", oldText: "a b", newText: "a  b"},
		{name: "newlines", oldText: "line one\nline two\n", newText: "line one\n\nline three\n"},
		{name: "unicode", oldText: "héllo wörld", newText: "héllo tschüß wörld"},
		{name: "leading whitespace", oldText: "  indented", newText: "\tindented more"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			segments := Compute(tc.oldText, tc.newText)
			assert.Equal(t, tc.newText, NewText(segments))
			assert.Equal(t, tc.oldText, OldText(segments))
		})
	}
}

func TestComputeIdenticalInputsYieldSingleEqualSegment(t *testing.T) {
	segments := Compute("same text here", "same text here")
	require.Len(t, segments, 1)
	assert.Equal(t, Segment{Type: SegmentEqual, Text: "same text here"}, segments[0])

	assert.Empty(t, Compute("", ""))
}

func TestComputePrefersAddedOnTies(t *testing.T) {
	segments := Compute("old", "new")
	require.Len(t, segments, 2)
	assert.Equal(t, SegmentAdded, segments[0].Type)
	assert.Equal(t, "new", segments[0].Text)
	assert.Equal(t, SegmentRemoved, segments[1].Type)
	assert.Equal(t, "old", segments[1].Text)
}

func TestComputeCoalescesAdjacentSegments(t *testing.T) {
	segments := Compute("a", "a b c")
	require.Len(t, segments, 2)
	assert.Equal(t, Segment{Type: SegmentEqual, Text: "a"}, segments[0])
	assert.Equal(t, Segment{Type: SegmentAdded, Text: " b c"}, segments[1])

	for index := 1; index < len(segments); index++ {
		assert.NotEqual(t, segments[index-1].Type, segments[index].Type)
	}
}

func TestComputeKeepsSharedWords(t *testing.T) {
	segments := Compute("the quick brown fox", "the slow brown cat")
	expected := []Segment{
		{Type: SegmentEqual, Text: "the "},
		{Type: SegmentAdded, Text: "slow"},
		{Type: SegmentRemoved, Text: "quick"},
		{Type: SegmentEqual, Text: " brown "},
		{Type: SegmentAdded, Text: "cat"},
		{Type: SegmentRemoved, Text: "fox"},
	}
	assert.Equal(t, expected, segments)
}

func TestTokenizePreservesWhitespaceRuns(t *testing.T) {
	assert.Equal(t, []string{"a", "  ", "b", "\n", "c"}, Tokenize("a  b\nc"))
	assert.Equal(t, []string{" ", "x"}, Tokenize(" x"))
	assert.Nil(t, Tokenize(""))
}

func TestComputeLimitedRejectsOversizedInput(t *testing.T) {
	_, err := ComputeLimited("a b c d", "a", 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInputTooLarge))

	segments, err := ComputeLimited("a b", "a c", 3)
	require.NoError(t, err)
	assert.Equal(t, "a c", NewText(segments))

	_, err = ComputeLimited("a b c d", "a b c d e", 0)
	require.NoError(t, err)
}

func TestTokenizeWhitespaceClass(t *testing.T) {
	assert.Equal(t, []string{"a", "\uFEFF", "b"}, Tokenize("a\uFEFFb"))
	assert.Equal(t, []string{"a\u0085b"}, Tokenize("a\u0085b"))
	assert.Equal(t, []string{"a", " \u3000", "b"}, Tokenize("a \u3000b"))
}

package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlankTrivia_PreservesLength(t *testing.T) {
	src := []byte(`{
  // leading comment
  "a": 1, /* inline */
  "b": [1, 2,],
}`)
	out := blankTrivia(src)
	require.Len(t, out, len(src))
}

func TestBlankTrivia_LeavesStringsAlone(t *testing.T) {
	src := []byte(`{"a": "not // a comment, still has a trailing comma literal ,"}`)
	out := blankTrivia(src)
	require.Equal(t, string(src), string(out))
}

func TestBlankTrivia_BlanksLineAndBlockComments(t *testing.T) {
	src := []byte("{\"a\": 1 // trailing\n}")
	out := blankTrivia(src)
	require.NotContains(t, string(out), "//")
	require.NotContains(t, string(out), "trailing")

	src2 := []byte("{\"a\": /* mid */ 1}")
	out2 := blankTrivia(src2)
	require.NotContains(t, string(out2), "/*")
	require.NotContains(t, string(out2), "mid")
}

func TestBlankTrivia_BlanksOnlyTrailingCommas(t *testing.T) {
	src := []byte(`{"a": [1, 2,], "b": 3,}`)
	out := blankTrivia(src)
	require.Contains(t, string(out), "[1, 2 ]")
	require.Contains(t, string(out), `"b": 3 }`)
}

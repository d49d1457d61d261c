package user

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearchPattern_QuotesMetacharacters(t *testing.T) {
	// plain names pass through untouched
	require.Equal(t, "alice", searchPattern("alice"))

	// metacharacters are matched literally, never interpreted
	require.Equal(t, `a\.\*`, searchPattern("a.*"))
	require.Equal(t, `\(a\+\)\+`, searchPattern("(a+)+"))
	require.Equal(t, `\^bob\$`, searchPattern("^bob$"))
}

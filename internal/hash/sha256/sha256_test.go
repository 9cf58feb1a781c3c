package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashIsDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestHashWhitespaceFolding(t *testing.T) {
	t.Parallel()

	plain := New()
	folded := New(WithWhitespaceFolding())

	a, err := folded.Hash([]byte("  hello\n\tworld "))
	require.NoError(t, err)
	b, err := plain.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, b, a)

	c, err := plain.Hash([]byte("  hello\n\tworld "))
	require.NoError(t, err)
	require.NotEqual(t, b, c)
}

package sha256

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestObjectPath(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 2, 3, 23, 0, 0, 0, time.FixedZone("X", -3*3600))
	assert.Equal(t, "pages/example.com/2025/02/04/abc.html", ObjectPath("example.com", "abc", at))
}

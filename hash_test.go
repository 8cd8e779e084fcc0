package mediarelay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashBytes(t *testing.T) {
	h1 := HashBytes([]byte("some media bytes"))
	h2 := HashBytes([]byte("some media bytes"))
	h3 := HashBytes([]byte("other media bytes"))

	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
	require.False(t, h1.IsZero())
	require.Len(t, h1.String(), HashSize*2)
}

func TestHashReader(t *testing.T) {
	data := "stream of artifact bytes"

	h, n, err := HashReader(strings.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, HashBytes([]byte(data)), h)
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact.webm")
	require.NoError(t, os.WriteFile(path, []byte("fetched artifact"), 0o600))

	h, n, err := HashFile(path)
	require.NoError(t, err)
	require.Equal(t, int64(16), n)
	require.Equal(t, HashBytes([]byte("fetched artifact")), h)
}

func TestHashFileMissing(t *testing.T) {
	_, _, err := HashFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestParseHashRoundTrip(t *testing.T) {
	h := HashBytes([]byte("round trip"))

	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)

	_, err = ParseHash("not-a-hash")
	require.Error(t, err)
}

func TestHashShortString(t *testing.T) {
	h := HashBytes([]byte("short"))
	require.Len(t, h.ShortString(), 16)
	require.True(t, strings.HasPrefix(h.String(), h.ShortString()))
}

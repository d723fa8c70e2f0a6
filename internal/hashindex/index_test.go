package hashindex

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Hello   World", "hello world"},
		{"  tabs\tand\nnewlines  ", "tabs and newlines"},
		{"", ""},
		{"ÀB  c", "àb c"},
	}
	for _, tc := range tests {
		got := Normalize(tc.in)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, got, Normalize(got), "normalize must be idempotent")
	}
}

func TestFingerprintIgnoresCaseAndWhitespace(t *testing.T) {
	t.Parallel()

	a := Fingerprint("The quick  brown fox")
	b := Fingerprint("the QUICK brown\n\tfox ")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Fingerprint("the quick brown dog"))
	// SHA-256 of "hello world".
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", Fingerprint("Hello World"))
}

func TestIndexFlushAndReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "hashes.txt")
	idx, err := Open(Options{Path: path})
	require.NoError(t, err)
	assert.Zero(t, idx.Len())

	first := Fingerprint("first chunk")
	second := Fingerprint("second chunk")
	idx.Add(first)
	idx.Add(second)
	idx.Add(first)
	assert.Equal(t, 2, idx.Len())
	require.NoError(t, idx.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first+"\n"+second+"\n", string(data))

	reloaded, err := Open(Options{Path: path})
	require.NoError(t, err)
	assert.True(t, reloaded.Contains(first))
	assert.True(t, reloaded.Contains(second))
	assert.False(t, reloaded.Contains(Fingerprint("third chunk")))
}

func TestIndexFlushWithoutChangesSkipsWrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hashes.txt")
	idx, err := Open(Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, idx.Flush())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenMalformedFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hashes.txt")
	content := strings.Join([]string{Fingerprint("ok"), "not-a-hash"}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Open(Options{Path: path})
	require.ErrorIs(t, err, ErrCorrupt)

	idx, err := Open(Options{Path: path, Recover: true})
	require.NoError(t, err)
	assert.Zero(t, idx.Len())
}

func TestMemoryIndexNeverWrites(t *testing.T) {
	t.Parallel()

	idx := NewMemory()
	idx.Add(Fingerprint("x"))
	require.NoError(t, idx.Flush())
	assert.True(t, idx.Contains(Fingerprint("x")))
}

func TestIndexFlushAppendsNewFingerprints(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hashes.txt")
	first := Fingerprint("first chunk")
	require.NoError(t, os.WriteFile(path, []byte(first+"\n"), 0o644))
	before, err := os.Stat(path)
	require.NoError(t, err)

	idx, err := Open(Options{Path: path})
	require.NoError(t, err)
	second := Fingerprint("second chunk")
	idx.Add(second)
	require.NoError(t, idx.Flush())
	third := Fingerprint("third chunk")
	idx.Add(third)
	idx.Add(first)
	require.NoError(t, idx.Flush())

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after), "flush must append to the existing file")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first+"\n"+second+"\n"+third+"\n", string(data))
}

func TestOpenDropsTornTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hashes.txt")
	kept := Fingerprint("kept")
	torn := Fingerprint("torn")[:20]
	require.NoError(t, os.WriteFile(path, []byte(kept+"\n"+torn), 0o644))

	idx, err := Open(Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
	assert.True(t, idx.Contains(kept))

	require.NoError(t, idx.Flush())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, kept+"\n", string(data))
}

func TestFlushRewritesNonCanonicalFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hashes.txt")
	a, b := Fingerprint("a"), Fingerprint("b")
	require.NoError(t, os.WriteFile(path, []byte(a+"\n\n"+a+"\n  "+b), 0o644))

	idx, err := Open(Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())
	require.NoError(t, idx.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, a+"\n"+b+"\n", string(data))
}

func TestRecoveredIndexReplacesCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hashes.txt")
	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0o644))

	idx, err := Open(Options{Path: path, Recover: true})
	require.NoError(t, err)
	fp := Fingerprint("fresh")
	idx.Add(fp)
	require.NoError(t, idx.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fp+"\n", string(data))
}

package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeFileName(t *testing.T) {
	assert.Equal(t, "golang-nuts", SafeFileName("golang-nuts"))

	fromURL := SafeFileName("https://groups.example.com/g/golang-nuts")
	assert.Regexp(t, `^groups\.example\.com_g_golang-nuts_[0-9a-f]{12}$`, fromURL)

	require.NotEqual(t, SafeFileName("a/b"), SafeFileName("a:b"))
	assert.NotContains(t, SafeFileName("../../etc/passwd"), "/")
	assert.Regexp(t, `^target_[0-9a-f]{12}$`, SafeFileName(""))
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "groups.example.com-g-golang-nuts", Slug("https://Groups.Example.com/g/golang-nuts/"))
	assert.Equal(t, "forum.example.org", Slug("https://forum.example.org"))
}

func TestCanonicalID(t *testing.T) {
	assert.Equal(t, "https://example.com/t/1", CanonicalID(" https://EXAMPLE.com:443/t/1#reply "))
	assert.Equal(t, "thread-42", CanonicalID("thread-42"))
	assert.Empty(t, CanonicalID("   "))
}

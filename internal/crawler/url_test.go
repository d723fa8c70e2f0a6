package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeThreadURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "HTTPS://Forum.Example.COM/t/42", "https://forum.example.com/t/42"},
		{"drops default port", "http://forum.example.com:80/t/42", "http://forum.example.com/t/42"},
		{"keeps custom port", "http://forum.example.com:8080/t/42", "http://forum.example.com:8080/t/42"},
		{"drops fragment", "https://forum.example.com/t/42#post-7", "https://forum.example.com/t/42"},
		{"drops trailing slash", "https://forum.example.com/t/42/", "https://forum.example.com/t/42"},
		{"keeps root slash", "https://forum.example.com/", "https://forum.example.com/"},
		{"sorts query", "https://forum.example.com/t?b=2&a=1", "https://forum.example.com/t?a=1&b=2"},
		{"drops tracking", "https://forum.example.com/t/42?utm_source=x&sid=abc&page=2", "https://forum.example.com/t/42?page=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeThreadURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeThreadURLRejectsMissingHost(t *testing.T) {
	t.Parallel()

	_, err := NormalizeThreadURL("https:///t/42")
	require.Error(t, err)
}

func TestCanonicalIDFoldsLinkVariants(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "thread-42", CanonicalID("  thread-42 "))
	assert.Equal(t, "https://forum.example.com/t/42", CanonicalID(" https://Forum.example.com/t/42/#top "))
	assert.Equal(t, "https://forum.example.com/t/42", CanonicalID("https://forum.example.com/t/42?utm_medium=feed"))
}

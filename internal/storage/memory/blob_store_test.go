package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "run/batch-00001.jsonl", "application/x-ndjson", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://run/batch-00001.jsonl", uri)

	payload[0] = 'C'
	stored, ok := store.Get("run/batch-00001.jsonl")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))

	stored[0] = 'X'
	again, _ := store.Get("run/batch-00001.jsonl")
	require.Equal(t, "content", string(again))
}

func TestBlobStoreObjectsSorted(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b", "a", "c"} {
		_, err := store.PutObject(context.Background(), p, "", bytes.NewReader(nil))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c"}, store.Objects())
	_, ok := store.Get("missing")
	require.False(t, ok)
}

package checkpoint_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/threadharvest/internal/checkpoint"
	"github.com/JakeFAU/threadharvest/internal/crawler"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T, dir string, recover bool) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.Open(checkpoint.Options{
		Dir:     dir,
		Recover: recover,
		Now:     func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return store
}

func TestLoadMissingReturnsFreshRecord(t *testing.T) {
	store := openStore(t, t.TempDir(), false)

	rec, err := store.Load(context.Background(), "golang-nuts")
	require.NoError(t, err)
	assert.Equal(t, "golang-nuts", rec.TargetID)
	assert.Empty(t, rec.ScrapedIDs)
	assert.Zero(t, rec.Cursor)
	assert.Equal(t, crawler.StatusInProgress, rec.Status)
	assert.False(t, store.IsKnown("golang-nuts", "https://x/1"))
}

func TestRecordItemPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := openStore(t, dir, false)

	_, err := store.Load(ctx, "nuts")
	require.NoError(t, err)
	require.NoError(t, store.RecordItem(ctx, "nuts", "https://x/b"))
	require.NoError(t, store.RecordItem(ctx, "nuts", "https://x/a"))
	require.NoError(t, store.RecordItem(ctx, "nuts", "https://x/a"), "duplicate record is a no-op")
	require.NoError(t, store.AdvanceCursor(ctx, "nuts", 2))

	reopened := openStore(t, dir, false)
	rec, err := reopened.Load(ctx, "nuts")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x/a", "https://x/b"}, rec.ScrapedIDs)
	assert.Equal(t, 2, rec.ItemsDone)
	assert.Equal(t, 2, rec.Cursor)
	assert.True(t, fixedNow.Equal(rec.UpdatedAt))
	assert.True(t, reopened.IsKnown("nuts", "https://x/a"))
	assert.False(t, reopened.IsKnown("nuts", "https://x/c"))
}

func TestMutationBeforeLoadFails(t *testing.T) {
	store := openStore(t, t.TempDir(), false)
	err := store.RecordItem(context.Background(), "nuts", "https://x/1")
	require.ErrorIs(t, err, checkpoint.ErrNotLoaded)
}

func TestAdvanceCursorRejectsRegression(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, t.TempDir(), false)
	_, err := store.Load(ctx, "nuts")
	require.NoError(t, err)

	require.NoError(t, store.AdvanceCursor(ctx, "nuts", 3))
	require.NoError(t, store.AdvanceCursor(ctx, "nuts", 3))
	err = store.AdvanceCursor(ctx, "nuts", 1)
	require.ErrorIs(t, err, checkpoint.ErrCursorRegression)

	rec, err := store.Load(ctx, "nuts")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Cursor)
}

func TestMarkCompleteAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := openStore(t, dir, false)
	_, err := store.Load(ctx, "nuts")
	require.NoError(t, err)
	require.NoError(t, store.RecordItem(ctx, "nuts", "https://x/1"))
	require.NoError(t, store.AdvanceCursor(ctx, "nuts", 4))
	require.NoError(t, store.MarkComplete(ctx, "nuts"))

	rec, err := openStore(t, dir, false).Load(ctx, "nuts")
	require.NoError(t, err)
	assert.True(t, rec.Complete())

	require.NoError(t, store.Reopen(ctx, "nuts"))
	rec, err = store.Load(ctx, "nuts")
	require.NoError(t, err)
	assert.Equal(t, crawler.StatusInProgress, rec.Status)
	assert.Zero(t, rec.Cursor)
	assert.Equal(t, []string{"https://x/1"}, rec.ScrapedIDs)
}

func TestCorruptCheckpointIsFatalByDefault(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := openStore(t, dir, false)
	require.NoError(t, os.WriteFile(store.Path("nuts"), []byte("{not json"), 0o644))

	_, err := store.Load(ctx, "nuts")
	require.ErrorIs(t, err, checkpoint.ErrCorrupt)

	recovering := openStore(t, dir, true)
	rec, err := recovering.Load(ctx, "nuts")
	require.NoError(t, err)
	assert.Empty(t, rec.ScrapedIDs)
}

func TestItemsDoneMismatchIsCorruption(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir, false)
	data, err := json.Marshal(crawler.CheckpointRecord{
		TargetID:   "nuts",
		ScrapedIDs: []string{"https://x/1"},
		ItemsDone:  5,
		Status:     crawler.StatusInProgress,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path("nuts"), data, 0o644))

	_, err = store.Load(context.Background(), "nuts")
	require.ErrorIs(t, err, checkpoint.ErrCorrupt)
}

func TestResetRemovesCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, t.TempDir(), false)
	_, err := store.Load(ctx, "nuts")
	require.NoError(t, err)
	require.NoError(t, store.RecordItem(ctx, "nuts", "https://x/1"))

	require.NoError(t, store.Reset(ctx, "nuts"))
	require.ErrorIs(t, store.Reset(ctx, "nuts"), checkpoint.ErrNoCheckpoint)
	_, statErr := os.Stat(store.Path("nuts"))
	assert.True(t, os.IsNotExist(statErr))

	rec, err := store.Load(ctx, "nuts")
	require.NoError(t, err)
	assert.Empty(t, rec.ScrapedIDs)
}

func TestListReturnsAllTargets(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := openStore(t, dir, false)
	for _, id := range []string{"zeta", "alpha"} {
		_, err := store.Load(ctx, id)
		require.NoError(t, err)
		require.NoError(t, store.RecordItem(ctx, id, "https://x/"+id))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "alpha", records[0].TargetID)
	assert.Equal(t, "zeta", records[1].TargetID)
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := checkpoint.Open(checkpoint.Options{})
	require.Error(t, err)
}

func TestResetUnknownTarget(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, t.TempDir(), false)

	err := store.Reset(ctx, "typo")
	require.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)
	assert.Contains(t, err.Error(), `"typo"`)

	_, err = store.Load(ctx, "typo")
	require.NoError(t, err)
	require.ErrorIs(t, store.Reset(ctx, "typo"), checkpoint.ErrNoCheckpoint, "loading alone writes nothing")
}

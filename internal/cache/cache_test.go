package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go-media-download/internal/database"
	"go-media-download/internal/models"
	"go-media-download/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testEntry = models.Entry{ID: 1, Title: "Test Manga", SourceID: 7, Favorite: true}
	chapter1  = models.Item{ID: 11, EntryID: 1, Name: "Chapter 1", Number: 1}
	chapter2  = models.Item{ID: 12, EntryID: 1, Name: "Chapter 2", Number: 2, Scanlator: "Group"}
)

func writeItem(t *testing.T, loc *storage.Location, entry models.Entry, item models.Item, size int) string {
	t.Helper()
	dir := loc.ItemDir(entry, item)
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001.jpg"), make([]byte, size), 0600))
	return dir
}

func newInitialized(t *testing.T, loc *storage.Location, store SnapshotStore) *AvailabilityCache {
	t.Helper()
	c := New(loc, store)
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func TestLookupBeforeInitializeIsUnknown(t *testing.T) {
	loc := storage.NewLocation(t.TempDir())
	writeItem(t, loc, testEntry, chapter1, 100)
	c := New(loc, nil)

	assert.Equal(t, Unknown, c.Lookup(testEntry, chapter1))
	assert.False(t, c.IsDownloaded(testEntry, chapter1))
}

func TestInitializeIndexesDisk(t *testing.T) {
	loc := storage.NewLocation(t.TempDir())
	writeItem(t, loc, testEntry, chapter1, 100)
	writeItem(t, loc, testEntry, chapter2, 50)

	// Empty item directory and an unfinished download must not count.
	require.NoError(t, os.MkdirAll(filepath.Join(loc.EntryDir(testEntry), "Chapter 3"), 0700))
	tmp := loc.TmpItemDir(testEntry, models.Item{Name: "Chapter 4"})
	require.NoError(t, os.MkdirAll(tmp, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "001.jpg"), make([]byte, 30), 0600))

	c := newInitialized(t, loc, nil)

	assert.True(t, c.IsDownloaded(testEntry, chapter1))
	assert.True(t, c.IsDownloaded(testEntry, chapter2))
	assert.Equal(t, NotDownloaded, c.Lookup(testEntry, models.Item{Name: "Chapter 3"}))
	assert.Equal(t, NotDownloaded, c.Lookup(testEntry, models.Item{Name: "Chapter 4"}))
	assert.Equal(t, int64(150), c.DownloadSize(testEntry))
	assert.Equal(t, int64(2), c.DownloadCount(testEntry))
	assert.Equal(t, int64(150), c.TotalDownloadSize())
	assert.Equal(t, int64(2), c.TotalDownloadCount())
	assert.False(t, c.IsInitializing())
}

func TestLookupMatchesByNameNotID(t *testing.T) {
	loc := storage.NewLocation(t.TempDir())
	writeItem(t, loc, testEntry, chapter1, 10)
	c := newInitialized(t, loc, nil)

	reindexed := chapter1
	reindexed.ID = 999
	assert.True(t, c.IsDownloaded(testEntry, reindexed))
}

func TestLookupLegacyNameAndArtifact(t *testing.T) {
	loc := storage.NewLocation(t.TempDir())
	entryDir := loc.EntryDir(testEntry)
	require.NoError(t, os.MkdirAll(filepath.Join(entryDir, "_Chapter 5"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(entryDir, "_Chapter 5", "1.jpg"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(entryDir, "Episode 1.mkv"), []byte("video"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(entryDir, "cover.jpg"), []byte("img"), 0600))

	c := newInitialized(t, loc, nil)

	assert.True(t, c.IsDownloaded(testEntry, models.Item{Name: "Chapter 5"}))
	assert.True(t, c.IsDownloaded(testEntry, models.Item{Name: "Episode 1"}))
	assert.Equal(t, int64(2), c.DownloadCount(testEntry), "stray files are not items")
}

func TestLocalEntryAlwaysDownloaded(t *testing.T) {
	c := New(storage.NewLocation(t.TempDir()), nil)
	local := models.Entry{ID: 2, Title: "Local", Local: true}

	assert.True(t, c.IsDownloaded(local, models.Item{Name: "anything"}))
}

func TestInvalidateItemTracksDisk(t *testing.T) {
	loc := storage.NewLocation(t.TempDir())
	c := newInitialized(t, loc, nil)
	changes, cancel := c.Changes()
	defer cancel()

	assert.False(t, c.IsDownloaded(testEntry, chapter1))

	dir := writeItem(t, loc, testEntry, chapter1, 64)
	c.InvalidateItem(testEntry, chapter1)

	assert.True(t, c.IsDownloaded(testEntry, chapter1))
	assert.Equal(t, int64(64), c.DownloadSize(testEntry))
	ev := <-changes
	assert.Equal(t, ItemAdded, ev.Kind)
	assert.Equal(t, "Chapter 1", ev.Name)

	require.NoError(t, os.RemoveAll(dir))
	c.InvalidateItems(testEntry, []models.Item{chapter1, chapter2})

	assert.False(t, c.IsDownloaded(testEntry, chapter1))
	assert.Equal(t, int64(0), c.DownloadCount(testEntry))
	ev = <-changes
	assert.Equal(t, ItemRemoved, ev.Kind)
}

func TestDownloadCountGroupsArtifactWithDirectory(t *testing.T) {
	loc := storage.NewLocation(t.TempDir())
	writeItem(t, loc, testEntry, chapter1, 10)
	artifact := filepath.Join(loc.EntryDir(testEntry), storage.ItemDirName(chapter1)+".cbz")
	require.NoError(t, os.WriteFile(artifact, make([]byte, 20), 0600))
	writeItem(t, loc, testEntry, chapter2, 10)

	c := newInitialized(t, loc, nil)
	assert.Equal(t, int64(2), c.DownloadCount(testEntry))
	assert.Equal(t, int64(2), c.TotalDownloadCount())
	assert.Equal(t, int64(40), c.DownloadSize(testEntry))

	require.NoError(t, os.RemoveAll(loc.ItemDir(testEntry, chapter1)))
	c.InvalidateItem(testEntry, chapter1)
	assert.Equal(t, int64(2), c.DownloadCount(testEntry))
	assert.True(t, c.IsDownloaded(testEntry, chapter1))
}

func TestInvalidateEntry(t *testing.T) {
	loc := storage.NewLocation(t.TempDir())
	writeItem(t, loc, testEntry, chapter1, 10)
	writeItem(t, loc, testEntry, chapter2, 10)
	c := newInitialized(t, loc, nil)
	require.Equal(t, int64(2), c.DownloadCount(testEntry))

	require.NoError(t, os.RemoveAll(loc.EntryDir(testEntry)))
	c.InvalidateEntry(testEntry)

	assert.Equal(t, int64(0), c.DownloadCount(testEntry))
	assert.Equal(t, int64(0), c.DownloadSize(testEntry))
	assert.False(t, c.IsDownloaded(testEntry, chapter1))
}

func TestInitializeConcurrentWithQueries(t *testing.T) {
	loc := storage.NewLocation(t.TempDir())
	for i := 0; i < 20; i++ {
		writeItem(t, loc, testEntry, models.Item{Name: "Chapter " + string(rune('A'+i))}, 5)
	}
	c := New(loc, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Initialize(context.Background()))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			c.IsDownloaded(testEntry, chapter1)
			c.DownloadSize(testEntry)
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(20), c.DownloadCount(testEntry))
}

func TestInitializingStream(t *testing.T) {
	c := New(storage.NewLocation(t.TempDir()), nil)
	flags, cancel := c.Initializing()
	defer cancel()

	require.NoError(t, c.Initialize(context.Background()))

	select {
	case v := <-flags:
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("missing initializing=true")
	}
	assert.False(t, <-flags)
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "db"))
	require.NoError(t, err)
	defer db.Close()
	store := NewDBSnapshotStore(db)

	loc := storage.NewLocation(filepath.Join(dir, "downloads"))
	writeItem(t, loc, testEntry, chapter1, 42)
	newInitialized(t, loc, store)

	restored := New(loc, store)
	require.NoError(t, restored.LoadSnapshot())

	assert.Equal(t, int64(42), restored.DownloadSize(testEntry))
	assert.Equal(t, Unknown, restored.Lookup(testEntry, chapter1), "restored data is not trusted for lookups")

	require.NoError(t, restored.Initialize(context.Background()))
	assert.Equal(t, Downloaded, restored.Lookup(testEntry, chapter1))
}

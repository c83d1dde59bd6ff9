package deletion

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go-media-download/internal/cache"
	"go-media-download/internal/database"
	"go-media-download/internal/models"
	"go-media-download/internal/source"
	"go-media-download/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	entry = models.Entry{ID: 3, Title: "Some Anime", SourceID: 9}
	ep1   = models.Item{ID: 31, EntryID: 3, Name: "Episode 1", Number: 1}
	ep2   = models.Item{ID: 32, EntryID: 3, Name: "Episode 2", Number: 2, Scanlator: "Subs"}
	ep3   = models.Item{ID: 33, EntryID: 3, Name: "Episode 3", Number: 3}
)

type recordingCanceller struct {
	mu   sync.Mutex
	keys []models.JobKey
}

func (r *recordingCanceller) Cancel(_ context.Context, keys ...models.JobKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, keys...)
	return nil
}

type staticQueue []models.DownloadJob

func (q staticQueue) Snapshot() []models.DownloadJob { return q }

type countingCache struct {
	*cache.AvailabilityCache
	itemCalls  int
	entryCalls int
}

func (c *countingCache) InvalidateItems(e models.Entry, items []models.Item) {
	c.itemCalls++
	c.AvailabilityCache.InvalidateItems(e, items)
}

func (c *countingCache) InvalidateEntry(e models.Entry) {
	c.entryCalls++
	c.AvailabilityCache.InvalidateEntry(e)
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0600))
}

func setup(t *testing.T) (*storage.Location, *countingCache) {
	t.Helper()
	loc := storage.NewLocation(t.TempDir())
	writeFile(t, filepath.Join(loc.ItemDir(entry, ep1), "001.jpg"), 10)
	writeFile(t, filepath.Join(loc.ItemDir(entry, ep2), "001.jpg"), 20)
	writeFile(t, filepath.Join(loc.EntryDir(entry), storage.ItemDirName(ep3)+".mkv"), 30)

	c := &countingCache{AvailabilityCache: cache.New(loc, nil)}
	require.NoError(t, c.Initialize(context.Background()))
	require.Equal(t, int64(3), c.DownloadCount(entry))
	return loc, c
}

func TestDeleteItemsRemovesFilesAndInvalidatesOnce(t *testing.T) {
	loc, c := setup(t)
	jobs := &recordingCanceller{}
	svc := NewService(loc, c, source.NewManager(), jobs, nil)

	var hooked []models.Item
	svc.OnDeleted(func(_ models.Entry, items []models.Item) { hooked = items })

	// Unfinished download of ep1 must go as well.
	writeFile(t, filepath.Join(loc.TmpItemDir(entry, ep1), "002.jpg"), 5)

	require.NoError(t, svc.DeleteItems(context.Background(), entry, []models.Item{ep1, ep3}))

	assert.NoDirExists(t, loc.ItemDir(entry, ep1))
	assert.NoDirExists(t, loc.TmpItemDir(entry, ep1))
	assert.NoFileExists(t, filepath.Join(loc.EntryDir(entry), storage.ItemDirName(ep3)+".mkv"))
	assert.DirExists(t, loc.ItemDir(entry, ep2))

	assert.Equal(t, 1, c.itemCalls)
	assert.False(t, c.IsDownloaded(entry, ep1))
	assert.False(t, c.IsDownloaded(entry, ep3))
	assert.True(t, c.IsDownloaded(entry, ep2))
	assert.Equal(t, int64(20), c.DownloadSize(entry))

	assert.ElementsMatch(t, []models.JobKey{models.KeyOf(entry, ep1), models.KeyOf(entry, ep3)}, jobs.keys)
	assert.Len(t, hooked, 2)
}

func TestDeleteItemsWithoutFilesIsNoop(t *testing.T) {
	loc, c := setup(t)
	svc := NewService(loc, c, nil, nil, nil)

	missing := models.Item{ID: 99, EntryID: entry.ID, Name: "Episode 99"}
	require.NoError(t, svc.DeleteItems(context.Background(), entry, []models.Item{missing}))
	assert.Equal(t, int64(3), c.DownloadCount(entry))

	other := models.Entry{ID: 4, Title: "Never Downloaded", SourceID: 9}
	require.NoError(t, svc.DeleteItems(context.Background(), other, []models.Item{missing}))
}

func TestDeleteItemsLegacyDirectoryName(t *testing.T) {
	loc := storage.NewLocation(t.TempDir())
	legacy := filepath.Join(loc.EntryDir(entry), "_"+ep1.Name)
	writeFile(t, filepath.Join(legacy, "001.jpg"), 10)
	c := &countingCache{AvailabilityCache: cache.New(loc, nil)}
	require.NoError(t, c.Initialize(context.Background()))

	svc := NewService(loc, c, nil, nil, nil)
	require.NoError(t, svc.DeleteItems(context.Background(), entry, []models.Item{ep1}))
	assert.NoDirExists(t, legacy)
	// The entry directory was left empty and is removed too.
	assert.NoDirExists(t, loc.EntryDir(entry))
}

func TestDeleteEntryWithUnavailableSource(t *testing.T) {
	loc, c := setup(t)
	jobs := &recordingCanceller{}
	queued := staticQueue{
		{Entry: entry, Item: ep1, Status: models.StatusQueued},
		{Entry: models.Entry{ID: 8}, Item: models.Item{ID: 1}, Status: models.StatusQueued},
	}
	svc := NewService(loc, c, source.NewManager(), jobs, queued)

	require.NoError(t, svc.DeleteEntry(context.Background(), entry))

	assert.NoDirExists(t, loc.EntryDir(entry))
	assert.NoDirExists(t, loc.SourceDir(entry.SourceID))
	assert.Equal(t, 1, c.entryCalls)
	for _, it := range []models.Item{ep1, ep2, ep3} {
		assert.False(t, c.IsDownloaded(entry, it))
	}
	assert.Equal(t, int64(0), c.DownloadCount(entry))
	assert.Equal(t, []models.JobKey{models.KeyOf(entry, ep1)}, jobs.keys)
}

func TestLocalEntryIsNeverDeleted(t *testing.T) {
	loc, c := setup(t)
	svc := NewService(loc, c, nil, nil, nil)
	local := entry
	local.Local = true

	require.NoError(t, svc.DeleteEntry(context.Background(), local))
	require.NoError(t, svc.DeleteItems(context.Background(), local, []models.Item{ep1}))
	assert.DirExists(t, loc.ItemDir(entry, ep1))
}

func TestPendingDeleter(t *testing.T) {
	loc, c := setup(t)
	db, err := database.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := NewService(loc, c, nil, nil, nil)
	pd := NewPendingDeleter(db, svc)

	require.NoError(t, pd.AddCandidates(entry, []models.Item{ep1}))
	require.NoError(t, pd.AddCandidates(entry, []models.Item{ep1, ep2}))
	require.NoError(t, pd.AddCandidates(entry, nil))

	pending, err := pd.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, entry.Title, pending[0].Entry.Title)
	assert.Len(t, pending[0].Items, 2)

	require.NoError(t, pd.DeletePending(context.Background()))
	assert.False(t, c.IsDownloaded(entry, ep1))
	assert.False(t, c.IsDownloaded(entry, ep2))
	assert.True(t, c.IsDownloaded(entry, ep3))

	pending, err = pd.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

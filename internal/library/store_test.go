package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go-media-download/internal/database"
	"go-media-download/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
[[Category]]
ID = 1
Name = "Reading"

[[Category]]
ID = 2
Name = "Dropped"

[[Entry]]
ID = 10
Title = "Some Manga"
SourceID = 1
Favorite = true
Categories = [1, 2]

  [[Entry.Item]]
  ID = 100
  Name = "Chapter 1"
  Number = 1.0
  URL = "https://example.org/1.cbz"

  [[Entry.Item]]
  ID = 101
  Name = "Chapter 2"
  Number = 2.0
  Scanlator = "Group"

[[Entry]]
ID = 11
Title = "Other"
SourceID = 2
`

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "library.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestImportManifest(t *testing.T) {
	s := newStore(t)
	m, err := LoadManifest(writeManifest(t, sampleManifest))
	require.NoError(t, err)

	results, err := s.Import(m)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Len(t, results[0].NewItems, 2)
	assert.Empty(t, results[1].NewItems)

	entries, err := s.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Some Manga", entries[0].Title)
	assert.True(t, entries[0].Favorite)

	cats, err := s.Categories(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, cats)

	cats, err = s.Categories(context.Background(), 11)
	require.NoError(t, err)
	assert.Empty(t, cats)

	all, err := s.ListCategories()
	require.NoError(t, err)
	assert.Equal(t, []Category{{ID: 1, Name: "Reading"}, {ID: 2, Name: "Dropped"}}, all)

	items, err := s.Items(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Chapter 1", items[0].Name)
	assert.Equal(t, int64(10), items[1].EntryID)
	assert.Equal(t, "Group", items[1].Scanlator)

	// Importing again reports nothing new.
	results, err = s.Import(m)
	require.NoError(t, err)
	assert.Empty(t, results[0].NewItems)
}

func TestUpsertItemsKeepsFlags(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.PutEntry(models.Entry{ID: 1, Title: "E"}))

	added, err := s.UpsertItems(1, []models.Item{{ID: 1, Name: "a"}, {ID: 2, Name: "b", SourceOrder: 1}})
	require.NoError(t, err)
	assert.Len(t, added, 2)

	_, err = s.SetSeen(1, []int64{1}, true)
	require.NoError(t, err)
	_, err = s.SetBookmark(1, []int64{2}, true)
	require.NoError(t, err)

	added, err = s.UpsertItems(1, []models.Item{{ID: 1, Name: "a (renamed)"}, {ID: 3, Name: "c", SourceOrder: 2}})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, int64(3), added[0].ID)

	first, err := s.Item(1, 1)
	require.NoError(t, err)
	assert.True(t, first.Seen)
	assert.Equal(t, "a (renamed)", first.Name)

	second, err := s.Item(1, 2)
	require.NoError(t, err)
	assert.True(t, second.Bookmark)

	_, err = s.Item(1, 42)
	assert.ErrorIs(t, err, ErrItemNotFound)
	_, err = s.SetSeen(1, []int64{42}, true)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestEntryNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Entry(5)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	_, err = s.UpsertItems(5, []models.Item{{ID: 1}})
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.ErrorIs(t, s.RemoveEntry(5), ErrEntryNotFound)
}

func TestRemoveEntry(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.PutEntry(models.Entry{ID: 1, Title: "E"}))
	require.NoError(t, s.SetCategories(1, []int64{3}))
	_, err := s.UpsertItems(1, []models.Item{{ID: 1}})
	require.NoError(t, err)

	require.NoError(t, s.RemoveEntry(1))

	entries, err := s.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
	items, err := s.Items(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, items)
	cats, err := s.Categories(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, cats)
}

func TestLoadManifestErrors(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	s := newStore(t)
	_, err = s.Import(Manifest{Entries: []ManifestEntry{{Entry: models.Entry{Title: "no id"}}}})
	assert.Error(t, err)
}

func TestImportUnnumberedItems(t *testing.T) {
	s := newStore(t)
	m, err := LoadManifest(writeManifest(t, `
[[Entry]]
ID = 1
Title = "Extras"
SourceID = 1

  [[Entry.Item]]
  ID = 1
  Name = "Prologue"
  Number = 0.0

  [[Entry.Item]]
  ID = 2
  Name = "Omake"

  [[Entry.Item]]
  ID = 3
  Name = "Special"
`))
	require.NoError(t, err)
	_, err = s.Import(m)
	require.NoError(t, err)

	items, err := s.Items(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.True(t, items[0].IsRecognizedNumber())
	assert.Equal(t, float64(0), items[0].Number)
	for _, it := range items[1:] {
		assert.False(t, it.IsRecognizedNumber(), it.Name)
		assert.Equal(t, float64(-1), it.Number)
	}
}

func TestUpsertItemsReportsRenames(t *testing.T) {
	s := newStore(t)
	entry := models.Entry{ID: 1, Title: "E", SourceID: 2}
	require.NoError(t, s.PutEntry(entry))

	type rename struct{ old, renamed models.Item }
	var got []rename
	s.OnItemRenamed(func(e models.Entry, old, renamed models.Item) {
		assert.Equal(t, entry, e)
		got = append(got, rename{old, renamed})
	})

	_, err := s.UpsertItems(1, []models.Item{{ID: 1, Name: "a"}, {ID: 2, Name: "b", Scanlator: "x"}})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.UpsertItems(1, []models.Item{{ID: 1, Name: "a"}, {ID: 2, Name: "b", Scanlator: "y", SourceOrder: 1}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].old.Scanlator)
	assert.Equal(t, "y", got[0].renamed.Scanlator)
	assert.Equal(t, int64(1), got[0].renamed.EntryID)
}

package storage

import (
	"os"
	"path/filepath"
	"testing"

	"go-media-download/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemDirName(t *testing.T) {
	tests := []struct {
		name string
		item models.Item
		want string
	}{
		{"Name only", models.Item{Name: "Chapter 1"}, "Chapter 1"},
		{"With scanlator", models.Item{Name: "Chapter 1", Scanlator: "Group"}, "Group_Chapter 1"},
		{"Blank scanlator", models.Item{Name: "Chapter 1", Scanlator: "  "}, "Chapter 1"},
		{"Blank name", models.Item{Name: ""}, "Item"},
		{"Invalid characters", models.Item{Name: "Ep 1: Start", Scanlator: "A/B"}, "A_B_Ep 1_ Start"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ItemDirName(tt.item))
		})
	}
}

func TestValidItemDirNames(t *testing.T) {
	assert.Equal(t, []string{"Chapter 2", "_Chapter 2"}, ValidItemDirNames(models.Item{Name: "Chapter 2"}))
	assert.Equal(t, []string{"G_Chapter 2"}, ValidItemDirNames(models.Item{Name: "Chapter 2", Scanlator: "G"}))
}

func TestCandidateNamesIncludeArtifacts(t *testing.T) {
	names := CandidateNames(models.Item{Name: "Ep 3", Scanlator: "S"})
	assert.Contains(t, names, "S_Ep 3")
	assert.Contains(t, names, "S_Ep 3.cbz")
	assert.Contains(t, names, "S_Ep 3.mkv")
	assert.Len(t, names, 1+len(ArtifactExtensions))
}

func TestLocationPaths(t *testing.T) {
	loc := NewLocation("/data/downloads/")
	entry := models.Entry{ID: 9, Title: "Re:Zero", SourceID: 42}
	item := models.Item{Name: "Episode 1"}

	assert.Equal(t, "/data/downloads/42", loc.SourceDir(42))
	assert.Equal(t, "/data/downloads/42/Re_Zero", loc.EntryDir(entry))
	assert.Equal(t, "/data/downloads/42/Re_Zero/Episode 1", loc.ItemDir(entry, item))
	assert.Equal(t, "/data/downloads/42/Re_Zero/Episode 1_tmp", loc.TmpItemDir(entry, item))
}

func TestIsTemporaryAndArtifact(t *testing.T) {
	assert.True(t, IsTemporary("Chapter 1_tmp"))
	assert.True(t, IsTemporary("page.jpg.tmp"))
	assert.False(t, IsTemporary("Chapter 1"))

	assert.True(t, IsArtifactFile("Episode 1.MKV"))
	assert.True(t, IsArtifactFile("Chapter 1.cbz"))
	assert.False(t, IsArtifactFile("cover.jpg"))
}

func TestDirSizeAndRemoveIfEmpty(t *testing.T) {
	dir := t.TempDir()
	item := filepath.Join(dir, "item")
	require.NoError(t, os.MkdirAll(filepath.Join(item, "sub"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(item, "a.jpg"), make([]byte, 10), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(item, "sub", "b.jpg"), make([]byte, 5), 0600))

	size, err := DirSize(item)
	require.NoError(t, err)
	assert.Equal(t, int64(15), size)

	removed, err := RemoveIfEmpty(item)
	require.NoError(t, err)
	assert.False(t, removed)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.Mkdir(empty, 0700))
	removed, err = RemoveIfEmpty(empty)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoDirExists(t, empty)

	removed, err = RemoveIfEmpty(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, removed)
}

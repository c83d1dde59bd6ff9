package config

import (
	"os"
	"path/filepath"
	"testing"

	"go-media-download/internal/models"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
DownloadsPath = "/srv/media"
DatabasePath = "/srv/media/db"
MaxRetries = 5

[[Source]]
ID = 7
Name = "mirror"

[Downloads]
numberOfDownloads = 3
numberOfThreads = 4
downloadSpeedLimit = 1048576
safeDownload = true
downloadNewItems = true
downloadNewItemCategories = [1, 2]
downloadNewItemCategoriesExclude = [3]
removeAfterReadSlots = 2
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/srv/media", cfg.DownloadsPath)
	assert.Equal(t, "/srv/media/db", cfg.DatabasePath)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, DefaultChunkTimeoutSec, cfg.ChunkTimeoutSec)
	assert.Equal(t, DefaultRetryBackoffMs, cfg.RetryBackoffMs)
	assert.Equal(t, DefaultApiClientTimeoutSec, cfg.ApiClientTimeoutSec)
	assert.Equal(t, []models.SourceConfig{{ID: 7, Name: "mirror"}}, cfg.Sources)
}

func TestApplyDefaultsAddsDirectSource(t *testing.T) {
	var cfg models.Config
	ApplyDefaults(&cfg)
	assert.Equal(t, []models.SourceConfig{DefaultSource}, cfg.Sources)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestPreferenceDefaults(t *testing.T) {
	p := NewPreferences(viper.New())

	assert.Equal(t, 2, p.NumberOfDownloads())
	assert.Equal(t, 2, p.NumberOfThreads())
	assert.Equal(t, int64(0), p.DownloadSpeedLimit())
	assert.False(t, p.SafeDownload())
	assert.False(t, p.DownloadNewItems())
	assert.Empty(t, p.DownloadNewItemCategories())
	assert.Empty(t, p.DownloadNewItemCategoriesExclude())
	assert.False(t, p.DownloadNewUnseenItemsOnly())
	assert.Equal(t, -1, p.RemoveAfterReadSlots())
	assert.False(t, p.RemoveBookmarkedItems())
	assert.Empty(t, p.RemoveExcludeCategories())
}

func TestPreferencesReadOnEveryCall(t *testing.T) {
	v := viper.New()
	p := NewPreferences(v)

	v.Set(KeyNumberOfDownloads, 5)
	assert.Equal(t, 5, p.NumberOfDownloads())

	v.Set(KeyNumberOfDownloads, 0)
	assert.Equal(t, 1, p.NumberOfDownloads(), "clamped to one worker")

	v.Set(KeyDownloadSpeedLimit, -10)
	assert.Equal(t, int64(0), p.DownloadSpeedLimit())

	v.Set(KeyRemoveAfterReadSlots, -7)
	assert.Equal(t, -1, p.RemoveAfterReadSlots())
}

func TestLoadPreferencesFromFile(t *testing.T) {
	p, err := LoadPreferences(writeConfig(t, sampleConfig), false)
	require.NoError(t, err)

	assert.Equal(t, 3, p.NumberOfDownloads())
	assert.Equal(t, 4, p.NumberOfThreads())
	assert.Equal(t, int64(1048576), p.DownloadSpeedLimit())
	assert.True(t, p.SafeDownload())
	assert.True(t, p.DownloadNewItems())
	assert.Equal(t, []int64{1, 2}, p.DownloadNewItemCategories())
	assert.Equal(t, []int64{3}, p.DownloadNewItemCategoriesExclude())
	assert.Equal(t, 2, p.RemoveAfterReadSlots())
	assert.False(t, p.RemoveBookmarkedItems(), "unset keys keep their default")
}

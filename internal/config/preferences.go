package config

import (
	"github.com/spf13/viper"
)

// Preference keys under the [Downloads] table of the config file.
const (
	KeyNumberOfDownloads                = "downloads.numberofdownloads"
	KeyNumberOfThreads                  = "downloads.numberofthreads"
	KeyDownloadSpeedLimit               = "downloads.downloadspeedlimit"
	KeySafeDownload                     = "downloads.safedownload"
	KeyDownloadNewItems                 = "downloads.downloadnewitems"
	KeyDownloadNewItemCategories        = "downloads.downloadnewitemcategories"
	KeyDownloadNewItemCategoriesExclude = "downloads.downloadnewitemcategoriesexclude"
	KeyDownloadNewUnseenItemsOnly       = "downloads.downloadnewunseenitemsonly"
	KeyRemoveAfterReadSlots             = "downloads.removeafterreadslots"
	KeyRemoveBookmarkedItems            = "downloads.removebookmarkeditems"
	KeyRemoveExcludeCategories          = "downloads.removeexcludecategories"
)

// Preferences exposes the runtime download settings. Values are read on every call so
// changes apply without a restart.
type Preferences interface {
	NumberOfDownloads() int
	NumberOfThreads() int
	// DownloadSpeedLimit is in bytes per second, 0 means unlimited.
	DownloadSpeedLimit() int64
	SafeDownload() bool
	DownloadNewItems() bool
	DownloadNewItemCategories() []int64
	DownloadNewItemCategoriesExclude() []int64
	DownloadNewUnseenItemsOnly() bool
	// RemoveAfterReadSlots is -1 when eviction after reading is disabled.
	RemoveAfterReadSlots() int
	RemoveBookmarkedItems() bool
	RemoveExcludeCategories() []int64
}

// SetDefaults registers the preference defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyNumberOfDownloads, 2)
	v.SetDefault(KeyNumberOfThreads, 2)
	v.SetDefault(KeyDownloadSpeedLimit, 0)
	v.SetDefault(KeySafeDownload, false)
	v.SetDefault(KeyDownloadNewItems, false)
	v.SetDefault(KeyDownloadNewItemCategories, []int{})
	v.SetDefault(KeyDownloadNewItemCategoriesExclude, []int{})
	v.SetDefault(KeyDownloadNewUnseenItemsOnly, false)
	v.SetDefault(KeyRemoveAfterReadSlots, -1)
	v.SetDefault(KeyRemoveBookmarkedItems, false)
	v.SetDefault(KeyRemoveExcludeCategories, []int{})
}

// ViperPreferences reads Preferences from a viper instance.
type ViperPreferences struct {
	v *viper.Viper
}

// NewPreferences wraps v and installs the defaults. A nil v uses the global viper.
func NewPreferences(v *viper.Viper) *ViperPreferences {
	if v == nil {
		v = viper.GetViper()
	}
	SetDefaults(v)
	return &ViperPreferences{v: v}
}

// LoadPreferences reads the [Downloads] table from a config file into a fresh viper.
// With watch set, the file is re-read whenever it changes on disk.
func LoadPreferences(path string, watch bool) (*ViperPreferences, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	p := NewPreferences(v)
	if err := v.ReadInConfig(); err != nil {
		return p, err
	}
	if watch {
		v.WatchConfig()
	}
	return p, nil
}

// Viper returns the underlying viper instance.
func (p *ViperPreferences) Viper() *viper.Viper { return p.v }

// NumberOfDownloads is never below 1.
func (p *ViperPreferences) NumberOfDownloads() int {
	return atLeastOne(p.v.GetInt(KeyNumberOfDownloads))
}

// NumberOfThreads is never below 1.
func (p *ViperPreferences) NumberOfThreads() int {
	return atLeastOne(p.v.GetInt(KeyNumberOfThreads))
}

func (p *ViperPreferences) DownloadSpeedLimit() int64 {
	limit := p.v.GetInt64(KeyDownloadSpeedLimit)
	if limit < 0 {
		return 0
	}
	return limit
}

func (p *ViperPreferences) SafeDownload() bool { return p.v.GetBool(KeySafeDownload) }

func (p *ViperPreferences) DownloadNewItems() bool { return p.v.GetBool(KeyDownloadNewItems) }

func (p *ViperPreferences) DownloadNewItemCategories() []int64 {
	return p.ids(KeyDownloadNewItemCategories)
}

func (p *ViperPreferences) DownloadNewItemCategoriesExclude() []int64 {
	return p.ids(KeyDownloadNewItemCategoriesExclude)
}

func (p *ViperPreferences) DownloadNewUnseenItemsOnly() bool {
	return p.v.GetBool(KeyDownloadNewUnseenItemsOnly)
}

func (p *ViperPreferences) RemoveAfterReadSlots() int {
	slots := p.v.GetInt(KeyRemoveAfterReadSlots)
	if slots < 0 {
		return -1
	}
	return slots
}

func (p *ViperPreferences) RemoveBookmarkedItems() bool {
	return p.v.GetBool(KeyRemoveBookmarkedItems)
}

func (p *ViperPreferences) RemoveExcludeCategories() []int64 {
	return p.ids(KeyRemoveExcludeCategories)
}

// ids reads a list of category ids.
func (p *ViperPreferences) ids(key string) []int64 {
	raw := p.v.GetIntSlice(key)
	out := make([]int64, 0, len(raw))
	for _, id := range raw {
		out = append(out, int64(id))
	}
	return out
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

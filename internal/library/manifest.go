package library

import (
	"fmt"

	"go-media-download/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// Manifest is the TOML file format used to seed or update the library:
//
//	[[Category]]
//	ID = 1
//	Name = "Reading"
//
//	[[Entry]]
//	ID = 10
//	Title = "Some Manga"
//	SourceID = 1
//	Favorite = true
//	Categories = [1]
//
//	  [[Entry.Item]]
//	  ID = 100
//	  Name = "Chapter 1"
//	  Number = 1.0
//	  URL = "https://example.org/some-manga/1/manifest.json"
//
// Items without a Number (extras, specials) are stored as unnumbered, the same as
// Number = -1.
type Manifest struct {
	Categories []Category      `toml:"Category"`
	Entries    []ManifestEntry `toml:"Entry"`
}

type ManifestEntry struct {
	models.Entry
	Categories []int64        `toml:"Categories"`
	Items      []ManifestItem `toml:"Item"`
}

// ManifestItem is an item as written in a manifest. Number is a pointer so a missing
// value can be told apart from chapter 0.
type ManifestItem struct {
	ID          int64    `toml:"ID"`
	Name        string   `toml:"Name"`
	Scanlator   string   `toml:"Scanlator"`
	Number      *float64 `toml:"Number"`
	Seen        bool     `toml:"Seen"`
	Bookmark    bool     `toml:"Bookmark"`
	SourceOrder int64    `toml:"SourceOrder"`
	URL         string   `toml:"URL"`
}

// unnumbered is the Number of items the source gives no number.
const unnumbered = -1

func (mi ManifestItem) item(entryID int64) models.Item {
	number := float64(unnumbered)
	if mi.Number != nil {
		number = *mi.Number
	}
	return models.Item{
		ID:          mi.ID,
		EntryID:     entryID,
		Name:        mi.Name,
		Scanlator:   mi.Scanlator,
		Number:      number,
		Seen:        mi.Seen,
		Bookmark:    mi.Bookmark,
		SourceOrder: mi.SourceOrder,
		URL:         mi.URL,
	}
}

// ImportResult reports what an import changed, per entry.
type ImportResult struct {
	Entry    models.Entry
	NewItems []models.Item
}

// LoadManifest decodes a manifest file.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		return m, fmt.Errorf("error decoding manifest %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.Warnf("Ignoring unknown manifest keys: %v", undecoded)
	}
	return m, nil
}

// Import writes a manifest into the store. Existing entries are replaced, items are
// merged, and the items that were new to each entry are returned so the caller can run
// them through auto-download admission. Known items that changed name or scanlator go
// through the rename hooks.
func (s *Store) Import(m Manifest) ([]ImportResult, error) {
	for _, c := range m.Categories {
		if err := s.PutCategory(c); err != nil {
			return nil, err
		}
	}

	results := make([]ImportResult, 0, len(m.Entries))
	for _, me := range m.Entries {
		if me.ID == 0 {
			return results, fmt.Errorf("manifest entry %q has no ID", me.Title)
		}
		if err := s.PutEntry(me.Entry); err != nil {
			return results, err
		}
		if err := s.SetCategories(me.ID, me.Categories); err != nil {
			return results, err
		}
		items := make([]models.Item, 0, len(me.Items))
		for i, mi := range me.Items {
			it := mi.item(me.ID)
			if it.SourceOrder == 0 {
				it.SourceOrder = int64(i)
			}
			items = append(items, it)
		}
		added, err := s.UpsertItems(me.ID, items)
		if err != nil {
			return results, err
		}
		results = append(results, ImportResult{Entry: me.Entry, NewItems: added})
		log.WithFields(log.Fields{"entry": me.Title, "items": len(me.Items), "new": len(added)}).Debug("Imported entry")
	}
	return results, nil
}

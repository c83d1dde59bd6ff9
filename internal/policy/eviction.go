package policy

import (
	"context"

	"go-media-download/internal/config"
	"go-media-download/internal/models"
)

// Eviction picks downloaded items that can be removed once they have been read.
type Eviction struct {
	prefs      config.Preferences
	categories CategoryProvider
}

func NewEviction(prefs config.Preferences, categories CategoryProvider) *Eviction {
	return &Eviction{prefs: prefs, categories: categories}
}

// AfterSeen returns the item that falls out of the keep window when current is marked
// seen: the one removeAfterReadSlots positions before it in ordered. Only items that
// were read themselves are returned. The result is already passed through Deletable;
// nil means nothing should be removed.
func (e *Eviction) AfterSeen(ctx context.Context, entry models.Entry, ordered []models.Item, current models.Item) ([]models.Item, error) {
	slots := e.prefs.RemoveAfterReadSlots()
	if slots < 0 {
		return nil, nil
	}
	pos := -1
	for i, it := range ordered {
		if it.ID == current.ID {
			pos = i
			break
		}
	}
	target := pos - slots
	if pos < 0 || target < 0 || target >= len(ordered) {
		return nil, nil
	}
	if !ordered[target].Seen {
		return nil, nil
	}
	return e.Deletable(ctx, entry, []models.Item{ordered[target]})
}

// Deletable removes items that must be kept. Entries in a removeExcludeCategories
// category keep their seen items. Bookmarked items are kept unless
// removeBookmarkedItems is set, whatever the slot window says.
func (e *Eviction) Deletable(ctx context.Context, entry models.Entry, items []models.Item) ([]models.Item, error) {
	if len(items) == 0 {
		return nil, nil
	}
	candidates := items

	if exclude := e.prefs.RemoveExcludeCategories(); len(exclude) > 0 {
		categories, err := EntryCategories(ctx, e.categories, entry.ID)
		if err != nil {
			return nil, err
		}
		if intersects(categories, exclude) {
			candidates = filter(candidates, func(it models.Item) bool { return !it.Seen })
		}
	}

	if !e.prefs.RemoveBookmarkedItems() {
		candidates = filter(candidates, func(it models.Item) bool { return !it.Bookmark })
	}
	return candidates, nil
}

func filter(items []models.Item, keep func(models.Item) bool) []models.Item {
	out := make([]models.Item, 0, len(items))
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

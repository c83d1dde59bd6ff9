// Package policy decides which items are downloaded automatically and which downloaded
// items may be removed after they have been read.
package policy

import (
	"context"
	"fmt"

	"go-media-download/internal/config"
	"go-media-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// CategoryProvider returns the category ids of an entry.
type CategoryProvider interface {
	Categories(ctx context.Context, entryID int64) ([]int64, error)
}

// ItemRepository returns every known item of an entry.
type ItemRepository interface {
	Items(ctx context.Context, entryID int64) ([]models.Item, error)
}

// Admission filters newly discovered items down to those that should be auto-downloaded.
type Admission struct {
	prefs      config.Preferences
	categories CategoryProvider
	items      ItemRepository
}

func NewAdmission(prefs config.Preferences, categories CategoryProvider, items ItemRepository) *Admission {
	return &Admission{prefs: prefs, categories: categories, items: items}
}

// Admit returns the subset of newItems to enqueue, in the order given. It has no side effects.
// Preferences are read on every call.
func (a *Admission) Admit(ctx context.Context, entry models.Entry, newItems []models.Item) ([]models.Item, error) {
	if len(newItems) == 0 || !entry.Favorite || !a.prefs.DownloadNewItems() {
		return nil, nil
	}

	ok, err := a.categoryAllowed(ctx, entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.WithField("entry", entry.ID).Debug("Auto-download skipped by category rules")
		return nil, nil
	}

	if !a.prefs.DownloadNewUnseenItemsOnly() {
		return append([]models.Item(nil), newItems...), nil
	}
	return a.unseenOnly(ctx, entry, newItems)
}

// categoryAllowed applies the include/exclude lists. Exclusion wins over inclusion.
func (a *Admission) categoryAllowed(ctx context.Context, entry models.Entry) (bool, error) {
	include := a.prefs.DownloadNewItemCategories()
	exclude := a.prefs.DownloadNewItemCategoriesExclude()
	if len(include) == 0 && len(exclude) == 0 {
		return true, nil
	}

	categories, err := EntryCategories(ctx, a.categories, entry.ID)
	if err != nil {
		return false, err
	}
	if intersects(categories, exclude) {
		return false, nil
	}
	if len(include) == 0 {
		return true, nil
	}
	return intersects(categories, include), nil
}

// unseenOnly drops items whose number matches an item already seen. Items without a
// recognised number always pass.
func (a *Admission) unseenOnly(ctx context.Context, entry models.Entry, newItems []models.Item) ([]models.Item, error) {
	known, err := a.items.Items(ctx, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("error loading items of entry %d: %w", entry.ID, err)
	}
	seenNumbers := make(map[float64]struct{})
	for _, it := range known {
		if it.Seen && it.IsRecognizedNumber() {
			seenNumbers[it.Number] = struct{}{}
		}
	}

	admitted := make([]models.Item, 0, len(newItems))
	for _, it := range newItems {
		if it.IsRecognizedNumber() {
			if _, seen := seenNumbers[it.Number]; seen {
				continue
			}
		}
		admitted = append(admitted, it)
	}
	return admitted, nil
}

// EntryCategories substitutes the default category for entries that belong to none.
func EntryCategories(ctx context.Context, provider CategoryProvider, entryID int64) ([]int64, error) {
	categories, err := provider.Categories(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("error loading categories of entry %d: %w", entryID, err)
	}
	if len(categories) == 0 {
		return []int64{models.DefaultCategoryID}, nil
	}
	return categories, nil
}

// DownloadedOnly keeps the items reported as downloaded. It backs the offline
// "downloaded only" view and is not part of admission.
func DownloadedOnly(items []models.Item, isDownloaded func(models.Item) bool) []models.Item {
	out := make([]models.Item, 0, len(items))
	for _, it := range items {
		if isDownloaded(it) {
			out = append(out, it)
		}
	}
	return out
}

func intersects(a, b []int64) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[int64]struct{}, len(b))
	for _, id := range b {
		set[id] = struct{}{}
	}
	for _, id := range a {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

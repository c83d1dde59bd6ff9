// Package library keeps the entries, items and categories the downloader works on. It
// stands in for the application's library database and serves the category and item
// lookups the download policies need.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go-media-download/internal/database"
	"go-media-download/internal/models"

	log "github.com/sirupsen/logrus"
)

var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrItemNotFound  = errors.New("item not found")
)

const (
	entryKeyPrefix      = "entry_"
	itemsKeyPrefix      = "items_"
	membershipKeyPrefix = "membership_"
	categoryKeyPrefix   = "category_"
)

// Category is a user defined library shelf.
type Category struct {
	ID   int64  `json:"id" toml:"ID"`
	Name string `json:"name" toml:"Name"`
}

// RenameHook is called after a known item was stored with a new name or scanlator.
type RenameHook func(entry models.Entry, old, renamed models.Item)

// Store is a bitcask-backed library. Writes are serialized; reads go straight to the
// database.
type Store struct {
	mu      sync.Mutex
	db      *database.DB
	renamed []RenameHook
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

func entryKey(id int64) string      { return fmt.Sprintf("%s%d", entryKeyPrefix, id) }
func itemsKey(id int64) string      { return fmt.Sprintf("%s%d", itemsKeyPrefix, id) }
func membershipKey(id int64) string { return fmt.Sprintf("%s%d", membershipKeyPrefix, id) }
func categoryKey(id int64) string   { return fmt.Sprintf("%s%d", categoryKeyPrefix, id) }

// OnItemRenamed registers a hook. It must be called before the store is written to.
func (s *Store) OnItemRenamed(hook RenameHook) {
	s.renamed = append(s.renamed, hook)
}

// PutEntry inserts or replaces an entry.
func (s *Store) PutEntry(entry models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.PutJSON(entryKey(entry.ID), entry)
}

func (s *Store) Entry(id int64) (models.Entry, error) {
	var entry models.Entry
	if err := s.db.GetJSON(entryKey(id), &entry); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return entry, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
		}
		return entry, err
	}
	return entry, nil
}

// Entries returns every entry ordered by id.
func (s *Store) Entries() ([]models.Entry, error) {
	var entries []models.Entry
	err := s.db.FoldPrefix(entryKeyPrefix, func(key []byte, value []byte) error {
		var entry models.Entry
		if err := json.Unmarshal(value, &entry); err != nil {
			log.WithError(err).Warnf("Skipping unreadable entry %s", string(key))
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, err
}

// RemoveEntry drops an entry with its items and category memberships.
func (s *Store) RemoveEntry(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.db.Has([]byte(entryKey(id))) {
		return fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	for _, key := range []string{entryKey(id), itemsKey(id), membershipKey(id)} {
		if err := s.db.DeleteIfExists(key); err != nil {
			return err
		}
	}
	return nil
}

// Items implements policy.ItemRepository. Items are ordered by source order.
func (s *Store) Items(_ context.Context, entryID int64) ([]models.Item, error) {
	return s.items(entryID)
}

func (s *Store) items(entryID int64) ([]models.Item, error) {
	var items []models.Item
	if err := s.db.GetJSON(itemsKey(entryID), &items); err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].SourceOrder < items[j].SourceOrder })
	return items, nil
}

// Item returns one item of an entry.
func (s *Store) Item(entryID, itemID int64) (models.Item, error) {
	items, err := s.items(entryID)
	if err != nil {
		return models.Item{}, err
	}
	for _, it := range items {
		if it.ID == itemID {
			return it, nil
		}
	}
	return models.Item{}, fmt.Errorf("%w: %d/%d", ErrItemNotFound, entryID, itemID)
}

// UpsertItems merges items into an entry by id and returns the ones that were not known
// before, in the order given. Seen and bookmark flags of known items are kept. Known
// items whose name or scanlator changed are passed to the rename hooks.
func (s *Store) UpsertItems(entryID int64, items []models.Item) ([]models.Item, error) {
	added, renames, err := s.upsertItems(entryID, items)
	if err != nil || len(renames) == 0 || len(s.renamed) == 0 {
		return added, err
	}
	entry, err := s.Entry(entryID)
	if err != nil {
		return added, err
	}
	for _, r := range renames {
		for _, hook := range s.renamed {
			hook(entry, r[0], r[1])
		}
	}
	return added, nil
}

func (s *Store) upsertItems(entryID int64, items []models.Item) ([]models.Item, [][2]models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.db.Has([]byte(entryKey(entryID))) {
		return nil, nil, fmt.Errorf("%w: %d", ErrEntryNotFound, entryID)
	}

	current, err := s.items(entryID)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[int64]int, len(current))
	for i, it := range current {
		byID[it.ID] = i
	}

	var added []models.Item
	var renames [][2]models.Item
	for _, it := range items {
		it.EntryID = entryID
		if i, ok := byID[it.ID]; ok {
			old := current[i]
			it.Seen = old.Seen || it.Seen
			it.Bookmark = old.Bookmark || it.Bookmark
			if old.Name != it.Name || old.Scanlator != it.Scanlator {
				renames = append(renames, [2]models.Item{old, it})
			}
			current[i] = it
			continue
		}
		byID[it.ID] = len(current)
		current = append(current, it)
		added = append(added, it)
	}
	if err := s.db.PutJSON(itemsKey(entryID), current); err != nil {
		return nil, nil, err
	}
	return added, renames, nil
}

// SetSeen marks items as seen or unseen and returns the updated items.
func (s *Store) SetSeen(entryID int64, itemIDs []int64, seen bool) ([]models.Item, error) {
	return s.updateItems(entryID, itemIDs, func(it *models.Item) { it.Seen = seen })
}

// SetBookmark sets or clears the bookmark flag and returns the updated items.
func (s *Store) SetBookmark(entryID int64, itemIDs []int64, bookmark bool) ([]models.Item, error) {
	return s.updateItems(entryID, itemIDs, func(it *models.Item) { it.Bookmark = bookmark })
}

func (s *Store) updateItems(entryID int64, itemIDs []int64, mutate func(*models.Item)) ([]models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.items(entryID)
	if err != nil {
		return nil, err
	}
	wanted := make(map[int64]bool, len(itemIDs))
	for _, id := range itemIDs {
		wanted[id] = true
	}
	var updated []models.Item
	for i := range current {
		if wanted[current[i].ID] {
			mutate(&current[i])
			updated = append(updated, current[i])
		}
	}
	if len(updated) < len(wanted) {
		return nil, fmt.Errorf("%w: entry %d", ErrItemNotFound, entryID)
	}
	return updated, s.db.PutJSON(itemsKey(entryID), current)
}

// Categories implements policy.CategoryProvider.
func (s *Store) Categories(_ context.Context, entryID int64) ([]int64, error) {
	var ids []int64
	if err := s.db.GetJSON(membershipKey(entryID), &ids); err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	return ids, nil
}

// SetCategories replaces the category memberships of an entry.
func (s *Store) SetCategories(entryID int64, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) == 0 {
		return s.db.DeleteIfExists(membershipKey(entryID))
	}
	return s.db.PutJSON(membershipKey(entryID), ids)
}

func (s *Store) PutCategory(c Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.PutJSON(categoryKey(c.ID), c)
}

// ListCategories returns every category ordered by id.
func (s *Store) ListCategories() ([]Category, error) {
	var cats []Category
	err := s.db.FoldPrefix(categoryKeyPrefix, func(key []byte, value []byte) error {
		var c Category
		if err := json.Unmarshal(value, &c); err != nil {
			log.WithError(err).Warnf("Skipping unreadable category %s", string(key))
			return nil
		}
		cats = append(cats, c)
		return nil
	})
	sort.Slice(cats, func(i, j int) bool { return cats[i].ID < cats[j].ID })
	return cats, err
}

package deletion

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

const pendingKeyPrefix = "pending_delete_"

// ItemDeleter is satisfied by Service.
type ItemDeleter interface {
	DeleteItems(ctx context.Context, entry models.Entry, items []models.Item) error
}

// PendingEntry groups the items of one entry that are waiting to be deleted.
type PendingEntry struct {
	Entry models.Entry  `json:"entry"`
	Items []models.Item `json:"items"`
}

// PendingDeleter remembers items to delete later, for instance items finished while
// they are still open in the reader. The list survives restarts.
type PendingDeleter struct {
	mu      sync.Mutex
	db      *database.DB
	deleter ItemDeleter
}

func NewPendingDeleter(db *database.DB, deleter ItemDeleter) *PendingDeleter {
	return &PendingDeleter{db: db, deleter: deleter}
}

func pendingKey(entryID int64) string {
	return fmt.Sprintf("%s%d", pendingKeyPrefix, entryID)
}

// AddCandidates merges items into the pending list of their entry.
func (p *PendingDeleter) AddCandidates(entry models.Entry, items []models.Item) error {
	if len(items) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	pending := PendingEntry{Entry: entry}
	if err := p.db.GetJSON(pendingKey(entry.ID), &pending); err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	pending.Entry = entry

	known := make(map[int64]bool, len(pending.Items))
	for _, it := range pending.Items {
		known[it.ID] = true
	}
	for _, it := range items {
		if !known[it.ID] {
			pending.Items = append(pending.Items, it)
			known[it.ID] = true
		}
	}
	return p.db.PutJSON(pendingKey(entry.ID), pending)
}

// Pending returns the queued deletions ordered by entry id.
func (p *PendingDeleter) Pending() ([]PendingEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load()
}

// DeletePending empties the pending list and deletes every item it held.
func (p *PendingDeleter) DeletePending(ctx context.Context) error {
	p.mu.Lock()
	entries, err := p.load()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	for _, pe := range entries {
		if err := p.db.DeleteIfExists(pendingKey(pe.Entry.ID)); err != nil {
			log.WithError(err).Warnf("Failed to clear pending deletions of %s", pe.Entry.Title)
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, pe := range entries {
		if err := p.deleter.DeleteItems(ctx, pe.Entry, pe.Items); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// load must be called with p.mu held.
func (p *PendingDeleter) load() ([]PendingEntry, error) {
	var entries []PendingEntry
	err := p.db.FoldPrefix(pendingKeyPrefix, func(key []byte, value []byte) error {
		var pe PendingEntry
		if err := json.Unmarshal(value, &pe); err != nil {
			log.WithError(err).Warnf("Skipping unreadable pending deletion %s", string(key))
			return nil
		}
		entries = append(entries, pe)
		return nil
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Entry.ID < entries[j].Entry.ID })
	return entries, err
}

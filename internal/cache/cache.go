// Package cache keeps an in-memory index of what is downloaded on disk.
//
// The filesystem is the source of truth. The index is a projection that can be rebuilt
// at any time with Initialize and is patched in place by the Invalidate methods. Readers
// load an immutable snapshot through an atomic pointer and never take a lock; writers
// serialise on a mutex and publish a modified copy.
package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go-media-download/internal/models"
	"go-media-download/internal/notify"
	"go-media-download/internal/storage"

	log "github.com/sirupsen/logrus"
)

// Availability is the answer to a Lookup.
type Availability int

const (
	Unknown Availability = iota
	NotDownloaded
	Downloaded
)

func (a Availability) String() string {
	switch a {
	case Downloaded:
		return "downloaded"
	case NotDownloaded:
		return "not downloaded"
	default:
		return "unknown"
	}
}

// ChangeKind describes a Change.
type ChangeKind int

const (
	ItemAdded ChangeKind = iota
	ItemRemoved
	Rebuilt
)

// Change is broadcast for every mutation of the index.
type Change struct {
	Kind     ChangeKind
	SourceID int64
	EntryDir string
	Name     string // item directory or artifact name; empty for Rebuilt
}

// SnapshotStore persists the index between runs.
type SnapshotStore interface {
	LoadSnapshot() ([]EntryRecord, error)
	SaveSnapshot([]EntryRecord) error
}

// EntryRecord is the persisted form of one entry directory.
type EntryRecord struct {
	SourceID int64            `json:"sourceId"`
	Dir      string           `json:"dir"`
	Items    map[string]int64 `json:"items"`
}

type entryKey struct {
	sourceID int64
	dir      string
}

// entryIndex maps item names to their size on disk. Only sizes > 0 are stored.
type entryIndex struct {
	items map[string]int64
	size  int64
}

type snapshot struct {
	entries    map[entryKey]*entryIndex
	totalSize  int64
	totalCount int64
	// live is false for a snapshot restored from the store and not yet rescanned.
	live bool
}

// AvailabilityCache answers availability queries from memory.
type AvailabilityCache struct {
	location *storage.Location
	store    SnapshotStore

	current      atomic.Pointer[snapshot]
	initializing atomic.Bool

	mu         sync.Mutex // serialises writers
	rebuild    chan struct{}
	pending    []func(*snapshot) // invalidations made while a rebuild is scanning
	changes    *notify.Broadcaster[Change]
	initStream *notify.Broadcaster[bool]
}

// New creates an empty cache. store may be nil.
func New(location *storage.Location, store SnapshotStore) *AvailabilityCache {
	return &AvailabilityCache{
		location:   location,
		store:      store,
		changes:    notify.New[Change](notify.DefaultBuffer),
		initStream: notify.New[bool](4),
	}
}

// LoadSnapshot restores the last persisted index. Lookups keep answering Unknown until
// Initialize has rescanned the disk; sizes and counts are served from the restored data.
func (c *AvailabilityCache) LoadSnapshot() error {
	if c.store == nil {
		return nil
	}
	records, err := c.store.LoadSnapshot()
	if err != nil {
		return err
	}
	snap := &snapshot{entries: make(map[entryKey]*entryIndex, len(records))}
	for _, r := range records {
		idx := &entryIndex{items: make(map[string]int64, len(r.Items))}
		for name, size := range r.Items {
			if size > 0 {
				idx.items[name] = size
				idx.size += size
			}
		}
		if len(idx.items) > 0 {
			snap.entries[entryKey{r.SourceID, r.Dir}] = idx
		}
	}
	snap.recount()

	c.mu.Lock()
	if c.current.Load() == nil {
		c.current.Store(snap)
	}
	c.mu.Unlock()
	log.WithField("entries", len(snap.entries)).Debug("Restored availability snapshot")
	return nil
}

// Initialize walks the downloads root and replaces the index. Concurrent callers share
// one scan. Queries are never blocked while it runs.
func (c *AvailabilityCache) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.rebuild != nil {
		done := c.rebuild
		c.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	c.rebuild = done
	c.pending = nil
	c.initializing.Store(true)
	c.mu.Unlock()
	c.initStream.Publish(true)

	defer func() {
		c.initializing.Store(false)
		c.initStream.Publish(false)
		close(done)
	}()

	snap, err := c.scan(ctx)
	if err != nil {
		c.mu.Lock()
		c.rebuild = nil
		c.pending = nil
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	for _, apply := range c.pending {
		apply(snap)
	}
	snap.recount()
	c.current.Store(snap)
	c.rebuild = nil
	c.pending = nil
	c.mu.Unlock()

	log.WithFields(log.Fields{"entries": len(snap.entries), "items": snap.totalCount}).Info("Availability cache initialized")
	c.changes.Publish(Change{Kind: Rebuilt})

	if c.store != nil {
		if err := c.store.SaveSnapshot(snap.records()); err != nil {
			log.WithError(err).Warn("Failed to persist availability snapshot")
		}
	}
	return nil
}

// IsInitializing reports whether a full rebuild is running.
func (c *AvailabilityCache) IsInitializing() bool {
	return c.initializing.Load()
}

// Initializing subscribes to the initializing flag. The cancel func must be called.
func (c *AvailabilityCache) Initializing() (<-chan bool, func()) {
	return c.initStream.Subscribe()
}

// Changes subscribes to index mutations. The cancel func must be called.
func (c *AvailabilityCache) Changes() (<-chan Change, func()) {
	return c.changes.Subscribe()
}

// Lookup matches the item by its on-disk names rather than its numeric id.
func (c *AvailabilityCache) Lookup(entry models.Entry, item models.Item) Availability {
	if entry.Local {
		return Downloaded
	}
	snap := c.current.Load()
	if snap == nil || !snap.live {
		return Unknown
	}
	idx := snap.entries[c.keyOf(entry)]
	if idx == nil {
		return NotDownloaded
	}
	for _, name := range storage.CandidateNames(item) {
		if idx.items[name] > 0 {
			return Downloaded
		}
	}
	return NotDownloaded
}

// IsDownloaded treats Unknown as not downloaded. Items of local entries are always downloaded.
func (c *AvailabilityCache) IsDownloaded(entry models.Entry, item models.Item) bool {
	return c.Lookup(entry, item) == Downloaded
}

// DownloadSize returns the bytes on disk for an entry.
func (c *AvailabilityCache) DownloadSize(entry models.Entry) int64 {
	if idx := c.entry(entry); idx != nil {
		return idx.size
	}
	return 0
}

// DownloadCount returns the number of downloaded items of an entry. A directory and an
// artifact of the same item, e.g. "Chapter 1" and "Chapter 1.cbz", count once.
func (c *AvailabilityCache) DownloadCount(entry models.Entry) int64 {
	if idx := c.entry(entry); idx != nil {
		return idx.count()
	}
	return 0
}

func (c *AvailabilityCache) TotalDownloadSize() int64 {
	if snap := c.current.Load(); snap != nil {
		return snap.totalSize
	}
	return 0
}

func (c *AvailabilityCache) TotalDownloadCount() int64 {
	if snap := c.current.Load(); snap != nil {
		return snap.totalCount
	}
	return 0
}

// InvalidateItem re-checks the disk for a single item.
func (c *AvailabilityCache) InvalidateItem(entry models.Entry, item models.Item) {
	c.InvalidateItems(entry, []models.Item{item})
}

// InvalidateItems re-checks the disk for a batch of items of one entry and publishes
// a single updated snapshot.
func (c *AvailabilityCache) InvalidateItems(entry models.Entry, items []models.Item) {
	if entry.Local || len(items) == 0 {
		return
	}
	key := c.keyOf(entry)
	entryDir := c.location.EntryDir(entry)
	names := make([]string, 0, len(items)*(1+len(storage.ArtifactExtensions)))
	for _, item := range items {
		names = append(names, storage.CandidateNames(item)...)
	}

	apply := func(snap *snapshot) []Change {
		return snap.patchItems(key, entryDir, names)
	}
	c.mutate(apply)
}

// InvalidateEntry rescans one entry directory.
func (c *AvailabilityCache) InvalidateEntry(entry models.Entry) {
	if entry.Local {
		return
	}
	key := c.keyOf(entry)
	entryDir := c.location.EntryDir(entry)

	apply := func(snap *snapshot) []Change {
		return snap.replaceEntry(key, scanEntry(entryDir))
	}
	c.mutate(apply)
}

func (c *AvailabilityCache) mutate(apply func(*snapshot) []Change) {
	c.mu.Lock()
	var events []Change
	if cur := c.current.Load(); cur != nil {
		next := cur.clone()
		events = apply(next)
		next.recount()
		c.current.Store(next)
	}
	if c.rebuild != nil {
		c.pending = append(c.pending, func(s *snapshot) { apply(s) })
	}
	c.mu.Unlock()

	for _, ev := range events {
		c.changes.Publish(ev)
	}
}

func (c *AvailabilityCache) entry(entry models.Entry) *entryIndex {
	snap := c.current.Load()
	if snap == nil {
		return nil
	}
	return snap.entries[c.keyOf(entry)]
}

func (c *AvailabilityCache) keyOf(entry models.Entry) entryKey {
	return entryKey{sourceID: entry.SourceID, dir: storage.EntryDirName(entry)}
}

// scan walks root/<source>/<entry>/<item>. Read errors are logged and the subtree is
// treated as empty.
func (c *AvailabilityCache) scan(ctx context.Context) (*snapshot, error) {
	snap := &snapshot{entries: make(map[entryKey]*entryIndex), live: true}
	root := c.location.Root()

	sources, err := os.ReadDir(root)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warnf("Cannot read downloads root %s", root)
		}
		return snap, nil
	}

	for _, src := range sources {
		if !src.IsDir() {
			continue
		}
		sourceID, err := strconv.ParseInt(src.Name(), 10, 64)
		if err != nil {
			continue
		}
		sourceDir := filepath.Join(root, src.Name())
		entries, err := os.ReadDir(sourceDir)
		if err != nil {
			log.WithError(err).Warnf("Cannot read source directory %s", sourceDir)
			continue
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !e.IsDir() {
				continue
			}
			if idx := scanEntry(filepath.Join(sourceDir, e.Name())); idx != nil {
				snap.entries[entryKey{sourceID, e.Name()}] = idx
			}
		}
	}
	return snap, nil
}

// scanEntry indexes the items of one entry directory, or returns nil when nothing is there.
func scanEntry(entryDir string) *entryIndex {
	children, err := os.ReadDir(entryDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warnf("Cannot read entry directory %s", entryDir)
		}
		return nil
	}
	idx := &entryIndex{items: make(map[string]int64, len(children))}
	for _, child := range children {
		name := child.Name()
		if !countsAsItem(name, child.IsDir()) {
			continue
		}
		if size := itemSize(filepath.Join(entryDir, name)); size > 0 {
			idx.items[name] = size
			idx.size += size
		}
	}
	if len(idx.items) == 0 {
		return nil
	}
	return idx
}

// countsAsItem filters out unfinished downloads and stray files.
func countsAsItem(name string, isDir bool) bool {
	if storage.IsTemporary(name) {
		return false
	}
	return isDir || storage.IsArtifactFile(name)
}

// childSize returns the size of entryDir/name if it counts as an item, else 0.
func childSize(entryDir, name string) int64 {
	path := filepath.Join(entryDir, name)
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warnf("Cannot stat %s", path)
		}
		return 0
	}
	if !countsAsItem(name, info.IsDir()) {
		return 0
	}
	return itemSize(path)
}

func itemSize(path string) int64 {
	size, err := storage.DirSize(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warnf("Cannot size %s", path)
		}
		return 0
	}
	return size
}

// clone copies the entry map. Entry indexes are shared until patched.
func (s *snapshot) clone() *snapshot {
	next := &snapshot{entries: make(map[entryKey]*entryIndex, len(s.entries)), live: s.live}
	for k, v := range s.entries {
		next.entries[k] = v
	}
	return next
}

func (s *snapshot) recount() {
	s.totalSize, s.totalCount = 0, 0
	for _, idx := range s.entries {
		s.totalSize += idx.size
		s.totalCount += idx.count()
	}
}

// count groups item names by their stem so one item stored twice counts once.
func (idx *entryIndex) count() int64 {
	stems := make(map[string]struct{}, len(idx.items))
	for name := range idx.items {
		stems[itemStem(name)] = struct{}{}
	}
	return int64(len(stems))
}

func itemStem(name string) string {
	if storage.IsArtifactFile(name) {
		return strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name
}

// patchItems re-stats the given names and writes a fresh copy of the entry index.
func (s *snapshot) patchItems(key entryKey, entryDir string, names []string) []Change {
	old := s.entries[key]
	next := &entryIndex{items: make(map[string]int64)}
	if old != nil {
		for n, size := range old.items {
			next.items[n] = size
		}
	}
	for _, name := range names {
		if size := childSize(entryDir, name); size > 0 {
			next.items[name] = size
		} else {
			delete(next.items, name)
		}
	}
	for _, size := range next.items {
		next.size += size
	}
	if len(next.items) == 0 {
		next = nil
	}
	return s.replaceEntry(key, next)
}

// replaceEntry swaps the index of one entry and reports the per-item differences.
func (s *snapshot) replaceEntry(key entryKey, next *entryIndex) []Change {
	old := s.entries[key]
	if next == nil {
		delete(s.entries, key)
	} else {
		s.entries[key] = next
	}

	var events []Change
	if old != nil {
		for name := range old.items {
			if next == nil || next.items[name] == 0 {
				events = append(events, Change{Kind: ItemRemoved, SourceID: key.sourceID, EntryDir: key.dir, Name: name})
			}
		}
	}
	if next != nil {
		for name := range next.items {
			if old == nil || old.items[name] == 0 {
				events = append(events, Change{Kind: ItemAdded, SourceID: key.sourceID, EntryDir: key.dir, Name: name})
			}
		}
	}
	return events
}

func (s *snapshot) records() []EntryRecord {
	out := make([]EntryRecord, 0, len(s.entries))
	for k, idx := range s.entries {
		out = append(out, EntryRecord{SourceID: k.sourceID, Dir: k.dir, Items: idx.items})
	}
	return out
}

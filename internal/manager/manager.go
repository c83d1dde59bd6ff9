// Package manager wires the availability cache, download queue, executor, policies and
// deletion service together and exposes them as one surface.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go-media-download/internal/cache"
	"go-media-download/internal/config"
	"go-media-download/internal/database"
	"go-media-download/internal/deletion"
	"go-media-download/internal/downloader"
	"go-media-download/internal/models"
	"go-media-download/internal/policy"
	"go-media-download/internal/queue"
	"go-media-download/internal/source"
	"go-media-download/internal/storage"

	log "github.com/sirupsen/logrus"
)

// Library is what the manager needs to know about entries and their items.
type Library interface {
	policy.CategoryProvider
	policy.ItemRepository
}

// Options holds the collaborators of a Manager. QueueStore, SnapshotStore and DB may be
// nil, in which case nothing is persisted.
type Options struct {
	Location      *storage.Location
	Sources       source.Registry
	Preferences   config.Preferences
	Library       Library
	QueueStore    queue.Store
	SnapshotStore cache.SnapshotStore
	DB            *database.DB // pending deletions
	Executor      downloader.Options
}

type Manager struct {
	location  *storage.Location
	sources   source.Registry
	prefs     config.Preferences
	library   Library
	cache     *cache.AvailabilityCache
	queue     *queue.Queue
	executor  *downloader.Executor
	deleter   *deletion.Service
	pending   *deletion.PendingDeleter
	admission *policy.Admission
	eviction  *policy.Eviction

	wg      sync.WaitGroup
	loaded  bool
	started bool
}

func New(opts Options) *Manager {
	m := &Manager{
		location: opts.Location,
		sources:  opts.Sources,
		prefs:    opts.Preferences,
		library:  opts.Library,
		cache:    cache.New(opts.Location, opts.SnapshotStore),
		queue:    queue.New(opts.QueueStore),
	}
	m.executor = downloader.NewExecutor(m.queue, m.cache, m.location, m.sources, m.prefs, opts.Executor)
	m.deleter = deletion.NewService(m.location, m.cache, m.sources, m.executor, m.queue)
	if opts.DB != nil {
		m.pending = deletion.NewPendingDeleter(opts.DB, m.deleter)
	}
	m.admission = policy.NewAdmission(m.prefs, m.library, m.library)
	m.eviction = policy.NewEviction(m.prefs, m.library)
	return m
}

// OnDownloaded registers a hook run after each completed download. Call before Start.
func (m *Manager) OnDownloaded(hook downloader.CompletionHook) {
	m.executor.OnComplete(hook)
}

// OnDeleted registers a hook run after files are deleted. Call before Start.
func (m *Manager) OnDeleted(hook deletion.Hook) {
	m.deleter.OnDeleted(hook)
}

// Load restores the persisted queue and the last availability snapshot. Commands that
// only inspect or edit state call it instead of Start.
func (m *Manager) Load() error {
	if m.loaded {
		return nil
	}
	if err := m.cache.LoadSnapshot(); err != nil {
		log.WithError(err).Warn("Failed to load availability snapshot")
	}
	if err := m.queue.Restore(); err != nil {
		return err
	}
	m.loaded = true
	return nil
}

// Start loads persisted state, rebuilds the availability cache in the background and
// starts the executor. Everything stops when ctx is cancelled; Wait blocks until then.
func (m *Manager) Start(ctx context.Context) error {
	if m.started {
		return errors.New("manager already started")
	}
	if err := m.Load(); err != nil {
		return err
	}
	m.started = true

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		if err := m.cache.Initialize(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("Availability cache rebuild failed")
		}
	}()
	go func() {
		defer m.wg.Done()
		if err := m.executor.Run(ctx); err != nil {
			log.WithError(err).Error("Download executor stopped with error")
		}
	}()
	return nil
}

// Wait blocks until the background work started by Start has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Rescan forces a full rebuild of the availability cache.
func (m *Manager) Rescan(ctx context.Context) error {
	return m.cache.Initialize(ctx)
}

// --- Availability ---

func (m *Manager) IsDownloaded(entry models.Entry, item models.Item) bool {
	return m.cache.IsDownloaded(entry, item)
}

func (m *Manager) Lookup(entry models.Entry, item models.Item) cache.Availability {
	return m.cache.Lookup(entry, item)
}

func (m *Manager) DownloadSize(entry models.Entry) int64  { return m.cache.DownloadSize(entry) }
func (m *Manager) DownloadCount(entry models.Entry) int64 { return m.cache.DownloadCount(entry) }
func (m *Manager) TotalDownloadSize() int64               { return m.cache.TotalDownloadSize() }
func (m *Manager) TotalDownloadCount() int64              { return m.cache.TotalDownloadCount() }

func (m *Manager) CacheChanges() (<-chan cache.Change, func()) { return m.cache.Changes() }
func (m *Manager) Initializing() (<-chan bool, func())         { return m.cache.Initializing() }
func (m *Manager) IsInitializing() bool                        { return m.cache.IsInitializing() }

// DownloadedOnly filters items down to those available offline.
func (m *Manager) DownloadedOnly(entry models.Entry, items []models.Item) []models.Item {
	return policy.DownloadedOnly(items, func(it models.Item) bool { return m.cache.IsDownloaded(entry, it) })
}

// --- Queue ---

func (m *Manager) QueueChanges() (<-chan queue.Event, func()) { return m.queue.Changes() }

// Queue returns the jobs in queue order.
func (m *Manager) Queue() []models.DownloadJob { return m.queue.Snapshot() }

// Enqueue queues items that are neither queued nor on disk. Nothing is queued for local
// entries or when the entry's source is not installed.
func (m *Manager) Enqueue(_ context.Context, entry models.Entry, items []models.Item) []models.DownloadJob {
	if entry.Local || len(items) == 0 {
		return nil
	}
	if _, ok := m.sources.Get(entry.SourceID); !ok {
		log.WithFields(log.Fields{"entry": entry.Title, "source": entry.SourceID}).Warn("Source not installed, nothing queued")
		return nil
	}
	added := m.queue.Enqueue(entry, items, func(it models.Item) bool { return m.cache.IsDownloaded(entry, it) })
	if len(added) > 0 {
		log.WithFields(log.Fields{"entry": entry.Title, "items": len(added)}).Info("Queued downloads")
	}
	return added
}

// OnNewItems runs newly discovered items through auto-download admission and queues the
// admitted ones.
func (m *Manager) OnNewItems(ctx context.Context, entry models.Entry, items []models.Item) ([]models.DownloadJob, error) {
	if _, ok := m.sources.Get(entry.SourceID); !ok {
		return nil, nil
	}
	admitted, err := m.admission.Admit(ctx, entry, items)
	if err != nil {
		return nil, err
	}
	return m.Enqueue(ctx, entry, admitted), nil
}

// OnItemsSeen applies removeAfterReadSlots after items were marked seen. The items that
// leave the keep window and are on disk are deleted, or queued for later deletion when
// deferred is set.
func (m *Manager) OnItemsSeen(ctx context.Context, entry models.Entry, seen []models.Item, deferred bool) ([]models.Item, error) {
	if m.prefs.RemoveAfterReadSlots() < 0 || len(seen) == 0 {
		return nil, nil
	}
	ordered, err := m.library.Items(ctx, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("error loading items of %s: %w", entry.Title, err)
	}

	var evict []models.Item
	picked := make(map[int64]bool)
	for _, item := range seen {
		candidates, err := m.eviction.AfterSeen(ctx, entry, ordered, item)
		if err != nil {
			return nil, err
		}
		for _, c := range candidates {
			if !picked[c.ID] && m.cache.IsDownloaded(entry, c) {
				picked[c.ID] = true
				evict = append(evict, c)
			}
		}
	}
	if len(evict) == 0 {
		return nil, nil
	}
	if deferred && m.pending != nil {
		return evict, m.pending.AddCandidates(entry, evict)
	}
	return evict, m.deleter.DeleteItems(ctx, entry, evict)
}

// DeletePending executes deletions queued by OnItemsSeen.
func (m *Manager) DeletePending(ctx context.Context) error {
	if m.pending == nil {
		return nil
	}
	return m.pending.DeletePending(ctx)
}

// PendingDeletions lists the removals recorded by a deferred OnItemsSeen.
func (m *Manager) PendingDeletions() ([]deletion.PendingEntry, error) {
	if m.pending == nil {
		return nil, nil
	}
	return m.pending.Pending()
}

// Cancel removes jobs, stopping the ones that are running.
func (m *Manager) Cancel(ctx context.Context, keys ...models.JobKey) error {
	return m.executor.Cancel(ctx, keys...)
}

// CancelEntry removes every job of an entry.
func (m *Manager) CancelEntry(ctx context.Context, entry models.Entry) error {
	return m.executor.Cancel(ctx, m.keysOf(func(j models.DownloadJob) bool { return j.Entry.ID == entry.ID })...)
}

// HasPendingDownloads reports whether any job is queued or downloading.
func (m *Manager) HasPendingDownloads() bool { return m.queue.HasPending() }

// ClearQueue removes every job.
func (m *Manager) ClearQueue(ctx context.Context) error {
	return m.executor.Cancel(ctx, m.keysOf(func(models.DownloadJob) bool { return true })...)
}

func (m *Manager) Pause(ctx context.Context, keys ...models.JobKey) error {
	return m.executor.Pause(ctx, keys...)
}

func (m *Manager) PauseAll(ctx context.Context) error {
	return m.executor.PauseAll(ctx)
}

// Resume puts paused jobs back in line.
func (m *Manager) Resume(keys ...models.JobKey) error {
	var errs []error
	for _, key := range keys {
		if _, err := m.queue.Resume(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) ResumeAll() {
	m.queue.ResumeAll()
}

// Retry requeues failed jobs. With no keys every failed job is retried.
func (m *Manager) Retry(keys ...models.JobKey) error {
	if len(keys) == 0 {
		keys = m.keysOf(func(j models.DownloadJob) bool { return j.Status == models.StatusError })
	}
	var errs []error
	for _, key := range keys {
		if _, err := m.queue.Retry(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartNow moves a job to the head of the queue.
func (m *Manager) StartNow(key models.JobKey) error {
	_, err := m.queue.StartNow(key)
	return err
}

// --- Deletion ---

func (m *Manager) DeleteItems(ctx context.Context, entry models.Entry, items []models.Item) error {
	return m.deleter.DeleteItems(ctx, entry, items)
}

func (m *Manager) DeleteEntry(ctx context.Context, entry models.Entry) error {
	return m.deleter.DeleteEntry(ctx, entry)
}

// RenameItem moves the download of an item whose name or scanlator changed to the
// directory or artifact name of the renamed item, so it stays available.
func (m *Manager) RenameItem(ctx context.Context, entry models.Entry, old, renamed models.Item) error {
	if entry.Local {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	entryDir := m.location.EntryDir(entry)
	target := storage.ItemDirName(renamed)
	fields := log.Fields{"entry": entry.Title, "item": old.Name}

	for _, dir := range storage.ValidItemDirNames(old) {
		for _, ext := range append([]string{""}, storage.ArtifactExtensions...) {
			from := filepath.Join(entryDir, dir+ext)
			if _, err := os.Stat(from); err != nil {
				continue
			}
			to := filepath.Join(entryDir, target+ext)
			if from == to {
				return nil
			}
			if _, err := os.Stat(to); err == nil {
				log.WithFields(fields).Warnf("Not renaming download, %s already exists", to)
				return nil
			}
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("error renaming %s to %s: %w", from, to, err)
			}
			m.cache.InvalidateItems(entry, []models.Item{old, renamed})
			log.WithFields(fields).Infof("Renamed download to %s", target+ext)
			return nil
		}
	}
	return nil
}

func (m *Manager) keysOf(match func(models.DownloadJob) bool) []models.JobKey {
	var keys []models.JobKey
	for _, job := range m.queue.Snapshot() {
		if match(job) {
			keys = append(keys, job.Key())
		}
	}
	return keys
}

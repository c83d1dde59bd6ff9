// Package deletion frees disk space used by downloaded items and keeps the availability
// cache consistent with what was removed.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go-media-download/internal/models"
	"go-media-download/internal/source"
	"go-media-download/internal/storage"

	log "github.com/sirupsen/logrus"
)

// Invalidator is the part of the availability cache that deletion updates.
type Invalidator interface {
	InvalidateItems(entry models.Entry, items []models.Item)
	InvalidateEntry(entry models.Entry)
}

// JobCanceller stops queued and running downloads before their files are removed.
type JobCanceller interface {
	Cancel(ctx context.Context, keys ...models.JobKey) error
}

// JobLister lists the queue so whole-entry deletion can find every job of the entry.
type JobLister interface {
	Snapshot() []models.DownloadJob
}

// Hook is called after files are removed. items is nil when the whole entry was deleted.
type Hook func(entry models.Entry, items []models.Item)

type Service struct {
	location *storage.Location
	cache    Invalidator
	sources  source.Registry
	jobs     JobCanceller
	queue    JobLister
	hooks    []Hook
}

func NewService(location *storage.Location, cache Invalidator, sources source.Registry, jobs JobCanceller, queue JobLister) *Service {
	return &Service{location: location, cache: cache, sources: sources, jobs: jobs, queue: queue}
}

// OnDeleted registers a hook. It must be called before the service is used.
func (s *Service) OnDeleted(hook Hook) {
	s.hooks = append(s.hooks, hook)
}

// DeleteItems removes the on-disk artifacts of items. Items without files are skipped
// silently, and the cache is invalidated once for the whole batch.
func (s *Service) DeleteItems(ctx context.Context, entry models.Entry, items []models.Item) error {
	if len(items) == 0 || entry.Local {
		return nil
	}
	s.resolveSource(entry)

	keys := make([]models.JobKey, 0, len(items))
	for _, item := range items {
		keys = append(keys, models.KeyOf(entry, item))
	}
	if s.jobs != nil {
		if err := s.jobs.Cancel(ctx, keys...); err != nil {
			return fmt.Errorf("cancelling downloads of %s: %w", entry.Title, err)
		}
	}

	entryDir := s.location.EntryDir(entry)
	var errs []error
	for _, item := range items {
		for _, name := range removalNames(item) {
			if err := os.RemoveAll(filepath.Join(entryDir, name)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if removed, err := storage.RemoveIfEmpty(entryDir); err != nil {
		log.WithError(err).WithField("entry", entry.Title).Warn("Failed to remove empty entry directory")
	} else if removed {
		log.WithField("entry", entry.Title).Debug("Removed empty entry directory")
	}

	s.cache.InvalidateItems(entry, items)
	for _, hook := range s.hooks {
		hook(entry, items)
	}

	log.WithFields(log.Fields{"entry": entry.Title, "items": len(items)}).Info("Deleted downloaded items")
	if len(errs) > 0 {
		return fmt.Errorf("deleting items of %s: %w", entry.Title, errors.Join(errs...))
	}
	return nil
}

// DeleteEntry removes the whole entry directory.
func (s *Service) DeleteEntry(ctx context.Context, entry models.Entry) error {
	if entry.Local {
		return nil
	}
	s.resolveSource(entry)

	if s.jobs != nil && s.queue != nil {
		var keys []models.JobKey
		for _, job := range s.queue.Snapshot() {
			if job.Entry.ID == entry.ID {
				keys = append(keys, job.Key())
			}
		}
		if err := s.jobs.Cancel(ctx, keys...); err != nil {
			return fmt.Errorf("cancelling downloads of %s: %w", entry.Title, err)
		}
	}

	entryDir := s.location.EntryDir(entry)
	err := os.RemoveAll(entryDir)
	if _, rerr := storage.RemoveIfEmpty(s.location.SourceDir(entry.SourceID)); rerr != nil {
		log.WithError(rerr).Warn("Failed to remove empty source directory")
	}

	s.cache.InvalidateEntry(entry)
	for _, hook := range s.hooks {
		hook(entry, nil)
	}

	if err != nil {
		return fmt.Errorf("deleting %s: %w", entryDir, err)
	}
	log.WithField("entry", entry.Title).Info("Deleted downloaded entry")
	return nil
}

// resolveSource looks the source up for logging only. Deletion never depends on it.
func (s *Service) resolveSource(entry models.Entry) {
	if s.sources == nil {
		return
	}
	if _, ok := s.sources.Get(entry.SourceID); !ok {
		log.WithFields(log.Fields{"entry": entry.Title, "source": entry.SourceID}).
			Warn("Source not installed, deleting from disk directly")
	}
}

// removalNames lists every name an item may occupy inside its entry directory,
// unfinished downloads included.
func removalNames(item models.Item) []string {
	names := storage.CandidateNames(item)
	for _, dir := range storage.ValidItemDirNames(item) {
		names = append(names, dir+storage.TmpSuffix)
	}
	return names
}

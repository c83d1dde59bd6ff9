package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"go-media-download/index"
	"go-media-download/internal/api"
	"go-media-download/internal/cache"
	"go-media-download/internal/database"
	"go-media-download/internal/downloader"
	"go-media-download/internal/library"
	"go-media-download/internal/manager"
	"go-media-download/internal/models"
	"go-media-download/internal/queue"
	"go-media-download/internal/source"
	"go-media-download/internal/storage"
)

// app holds everything a command needs, opened from the global config.
type app struct {
	db       *database.DB
	library  *library.Store
	sources  *source.Manager
	location *storage.Location
	manager  *manager.Manager
	index    bleve.Index // nil unless opened with the index
}

// openApp opens the database and wires the manager. With withIndex set the search index
// is opened as well and kept in step with downloads and deletions.
func openApp(withIndex bool) (*app, error) {
	if globalConfig.DownloadsPath == "" {
		return nil, errors.New("DownloadsPath is not configured (set it in the config or use --downloads-path)")
	}

	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return nil, err
	}

	client := api.NewClient(globalHttpTransport, time.Duration(globalConfig.ApiClientTimeoutSec)*time.Second)
	sources := source.NewManager()
	for _, sc := range globalConfig.Sources {
		sources.Register(source.NewHTTPSource(sc.ID, sc.Name, client))
	}

	a := &app{
		db:       db,
		library:  library.NewStore(db),
		sources:  sources,
		location: storage.NewLocation(globalConfig.DownloadsPath),
	}
	a.manager = manager.New(manager.Options{
		Location:      a.location,
		Sources:       sources,
		Preferences:   globalPreferences,
		Library:       a.library,
		QueueStore:    queue.NewDBStore(db),
		SnapshotStore: cache.NewDBSnapshotStore(db),
		DB:            db,
		Executor:      downloader.OptionsFromConfig(globalConfig),
	})

	a.library.OnItemRenamed(func(entry models.Entry, old, renamed models.Item) {
		if err := a.manager.RenameItem(context.Background(), entry, old, renamed); err != nil {
			log.WithError(err).WithField("entry", entry.Title).Warn("Failed to rename download")
		}
	})

	if withIndex {
		a.index, err = index.OpenOrCreateIndex(globalConfig.IndexPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open search index: %w", err)
		}
		indexer := index.NewIndexer(a.index)
		a.manager.OnDownloaded(indexer.OnDownloaded)
		a.manager.OnDeleted(indexer.OnDeleted)
	}

	if err := a.manager.Load(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to restore download queue: %w", err)
	}
	return a, nil
}

func (a *app) Close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			log.WithError(err).Error("Error closing search index")
		}
	}
	if err := a.db.Close(); err != nil {
		log.WithError(err).Error("Error closing database")
	}
}

package index

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go-media-download/internal/models"
	"go-media-download/internal/storage"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "downloads.bleve"

// deleteBatchSize bounds the hits fetched per round when removing a whole entry.
const deleteBatchSize = 500

// Item is a downloaded item as stored in the search index. Fields are searchable by
// their JSON names, e.g. '+entryTitle:berserk' or '+scanlator:group'.
type Item struct {
	ID            string    `json:"id"` // item_<entryId>_<itemId>
	Type          string    `json:"type"`
	EntryID       float64   `json:"entryId"`
	ItemID        float64   `json:"itemId"`
	SourceID      float64   `json:"sourceId"`
	EntryTitle    string    `json:"entryTitle"`
	Name          string    `json:"name"`
	Scanlator     string    `json:"scanlator,omitempty"`
	Number        float64   `json:"number"`
	DirectoryPath string    `json:"directoryPath"`
	SizeBytes     float64   `json:"sizeBytes"`
	DownloadedAt  time.Time `json:"downloadedAt"`

	// Set by the 'torrent' command.
	TorrentPath string `json:"torrentPath,omitempty"`
	MagnetLink  string `json:"magnetLink,omitempty"`
}

// DocID returns the index document id of an item.
func DocID(entryID, itemID int64) string {
	return fmt.Sprintf("item_%d_%d", entryID, itemID)
}

// NewItem builds the document for an item downloaded to dir.
func NewItem(entry models.Entry, item models.Item, dir string) Item {
	size, err := storage.DirSize(dir)
	if err != nil {
		log.WithError(err).Debugf("Could not size %s for indexing", dir)
	}
	return Item{
		ID:            DocID(entry.ID, item.ID),
		Type:          "item",
		EntryID:       float64(entry.ID),
		ItemID:        float64(item.ID),
		SourceID:      float64(entry.SourceID),
		EntryTitle:    entry.Title,
		Name:          item.Name,
		Scanlator:     item.Scanlator,
		Number:        item.Number,
		DirectoryPath: dir,
		SizeBytes:     float64(size),
		DownloadedAt:  time.Now(),
	}
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	index, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("Creating new index at: %s", indexPath)
		index, err = bleve.New(indexPath, bleve.NewIndexMapping())
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return index, nil
}

// IndexItem adds or updates an item in the Bleve index.
func IndexItem(index bleve.Index, item Item) error {
	return index.Index(item.ID, item)
}

// DeleteItem removes one item. Missing documents are ignored by bleve.
func DeleteItem(index bleve.Index, entryID, itemID int64) error {
	return index.Delete(DocID(entryID, itemID))
}

// DeleteEntry removes every document of an entry.
func DeleteEntry(index bleve.Index, entryID int64) error {
	id := float64(entryID)
	inclusive := true
	for {
		q := bleve.NewNumericRangeInclusiveQuery(&id, &id, &inclusive, &inclusive)
		q.SetField("entryId")
		req := bleve.NewSearchRequestOptions(q, deleteBatchSize, 0, false)
		res, err := index.Search(req)
		if err != nil {
			return err
		}
		if len(res.Hits) == 0 {
			return nil
		}
		batch := index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := index.Batch(batch); err != nil {
			return err
		}
	}
}

// SetTorrent records the torrent of an item, indexing the item first when it is
// missing. The original download time is kept.
func SetTorrent(index bleve.Index, entry models.Entry, item models.Item, dir, torrentPath, magnetLink string) error {
	doc := NewItem(entry, item, dir)
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{doc.ID}))
	req.Fields = []string{"downloadedAt"}
	res, err := index.Search(req)
	if err != nil {
		return err
	}
	if len(res.Hits) > 0 {
		if s, ok := res.Hits[0].Fields["downloadedAt"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				doc.DownloadedAt = t
			}
		}
	}
	doc.TorrentPath = torrentPath
	doc.MagnetLink = magnetLink
	return IndexItem(index, doc)
}

// SearchIndex performs a search query against the index.
func SearchIndex(index bleve.Index, query string, size int) (*bleve.SearchResult, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequest(searchQuery)
	if size > 0 {
		searchRequest.Size = size
	}
	searchRequest.Fields = []string{"*"} // Request all stored fields
	return index.Search(searchRequest)
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Infof("Deleting index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}

// Indexer keeps the index in step with downloads and deletions. Its methods match the
// completion and deletion hook signatures.
type Indexer struct {
	index bleve.Index
}

func NewIndexer(index bleve.Index) *Indexer {
	return &Indexer{index: index}
}

// OnDownloaded indexes a finished job.
func (x *Indexer) OnDownloaded(job models.DownloadJob, dir string) {
	if err := IndexItem(x.index, NewItem(job.Entry, job.Item, dir)); err != nil {
		log.WithError(err).WithField("job", job.Key().String()).Warn("Failed to index downloaded item")
	}
}

// OnDeleted drops deleted items, or the whole entry when items is nil.
func (x *Indexer) OnDeleted(entry models.Entry, items []models.Item) {
	if items == nil {
		if err := DeleteEntry(x.index, entry.ID); err != nil {
			log.WithError(err).WithField("entry", entry.Title).Warn("Failed to remove entry from index")
		}
		return
	}
	for _, item := range items {
		if err := DeleteItem(x.index, entry.ID, item.ID); err != nil {
			log.WithError(err).WithField("entry", entry.Title).Warn("Failed to remove item from index")
		}
	}
}

package models

import (
	"fmt"
	"time"
)

type (
	Config struct {
		// Paths
		DownloadsPath string `toml:"DownloadsPath"`
		DatabasePath  string `toml:"DatabasePath"`
		IndexPath     string `toml:"IndexPath"` // Bleve index of downloaded items

		// Executor behaviour
		ApiClientTimeoutSec int `toml:"ApiClientTimeoutSec"`
		ChunkTimeoutSec     int `toml:"ChunkTimeoutSec"`
		MaxRetries          int `toml:"MaxRetries"`
		RetryBackoffMs      int `toml:"RetryBackoffMs"`

		// Sources downloads are fetched from, keyed by the SourceID of entries.
		Sources []SourceConfig `toml:"Source"`

		// Other
		LogApiRequests bool `toml:"LogApiRequests"`
	}

	SourceConfig struct {
		ID   int64  `toml:"ID"`
		Name string `toml:"Name"`
	}

	// Entry is a library series (manga or anime).
	Entry struct {
		ID       int64  `json:"id" toml:"ID"`
		Title    string `json:"title" toml:"Title"`
		SourceID int64  `json:"sourceId" toml:"SourceID"`
		Favorite bool   `json:"favorite" toml:"Favorite"`
		// Local entries are read straight from disk and are always available.
		Local bool `json:"local" toml:"Local"`
	}

	// Item is a chapter or episode of an Entry.
	Item struct {
		ID          int64   `json:"id" toml:"ID"`
		EntryID     int64   `json:"entryId" toml:"EntryID"`
		Name        string  `json:"name" toml:"Name"`
		Scanlator   string  `json:"scanlator,omitempty" toml:"Scanlator"`
		Number      float64 `json:"number" toml:"Number"` // negative when the source gives no number
		Seen        bool    `json:"seen" toml:"Seen"`
		Bookmark    bool    `json:"bookmark" toml:"Bookmark"`
		SourceOrder int64   `json:"sourceOrder" toml:"SourceOrder"`
		URL         string  `json:"url,omitempty" toml:"URL"`
	}

	// JobKey identifies a download job; the queue holds at most one job per key.
	JobKey struct {
		EntryID int64 `json:"entryId"`
		ItemID  int64 `json:"itemId"`
	}

	DownloadJob struct {
		Entry      Entry     `json:"entry"`
		Item       Item      `json:"item"`
		Status     JobStatus `json:"status"`
		BytesDone  int64     `json:"bytesDone"`
		BytesTotal int64     `json:"bytesTotal"`
		Retries    int       `json:"retries"`
		LastError  string    `json:"lastError,omitempty"`
		Seq        uint64    `json:"seq"`                 // queue position, lower runs first
		NotBefore  time.Time `json:"notBefore,omitempty"` // retry backoff deadline
		UpdatedAt  time.Time `json:"updatedAt"`
	}

	// JobStatus is the state of a DownloadJob.
	JobStatus string
)

// Job status values
const (
	StatusQueued      JobStatus = "Queued"
	StatusDownloading JobStatus = "Downloading"
	StatusPaused      JobStatus = "Paused"
	StatusError       JobStatus = "Error"
	StatusCompleted   JobStatus = "Completed"
)

// DefaultCategoryID stands in for entries that belong to no category.
const DefaultCategoryID int64 = 0

// IsRecognizedNumber reports whether the source assigned a number to the item.
func (i Item) IsRecognizedNumber() bool {
	return i.Number >= 0
}

// Key returns the queue key of a job.
func (j DownloadJob) Key() JobKey {
	return JobKey{EntryID: j.Entry.ID, ItemID: j.Item.ID}
}

// KeyOf builds the JobKey for an item of an entry.
func KeyOf(entry Entry, item Item) JobKey {
	return JobKey{EntryID: entry.ID, ItemID: item.ID}
}

func (k JobKey) String() string {
	return fmt.Sprintf("%d/%d", k.EntryID, k.ItemID)
}

// Progress returns the completed fraction of the job, or 0 when the total is unknown.
func (j DownloadJob) Progress() float64 {
	if j.BytesTotal <= 0 {
		return 0
	}
	return float64(j.BytesDone) / float64(j.BytesTotal)
}

package cache

import (
	"errors"

	"go-media-download/internal/database"
)

const snapshotKey = "cache_snapshot"

// DBSnapshotStore keeps the availability index in the bitcask database.
type DBSnapshotStore struct {
	db *database.DB
}

func NewDBSnapshotStore(db *database.DB) *DBSnapshotStore {
	return &DBSnapshotStore{db: db}
}

// LoadSnapshot returns nil records when nothing has been saved yet.
func (s *DBSnapshotStore) LoadSnapshot() ([]EntryRecord, error) {
	var records []EntryRecord
	if err := s.db.GetJSON(snapshotKey, &records); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return records, nil
}

func (s *DBSnapshotStore) SaveSnapshot(records []EntryRecord) error {
	return s.db.PutJSON(snapshotKey, records)
}

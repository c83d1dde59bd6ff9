package queue

import (
	"encoding/json"
	"fmt"

	"go-media-download/internal/database"
	"go-media-download/internal/models"

	log "github.com/sirupsen/logrus"
)

const jobKeyPrefix = "job_"

// DBStore persists jobs in the bitcask database, one JSON value per job.
type DBStore struct {
	db *database.DB
}

func NewDBStore(db *database.DB) *DBStore {
	return &DBStore{db: db}
}

func jobDBKey(key models.JobKey) string {
	return fmt.Sprintf("%s%d_%d", jobKeyPrefix, key.EntryID, key.ItemID)
}

func (s *DBStore) SaveJob(job models.DownloadJob) error {
	return s.db.PutJSON(jobDBKey(job.Key()), job)
}

func (s *DBStore) DeleteJob(key models.JobKey) error {
	return s.db.DeleteIfExists(jobDBKey(key))
}

// LoadJobs skips values that cannot be decoded.
func (s *DBStore) LoadJobs() ([]models.DownloadJob, error) {
	var jobs []models.DownloadJob
	err := s.db.FoldPrefix(jobKeyPrefix, func(key []byte, value []byte) error {
		var job models.DownloadJob
		if err := json.Unmarshal(value, &job); err != nil {
			log.WithError(err).Warnf("Skipping unreadable job %s", string(key))
			return nil
		}
		jobs = append(jobs, job)
		return nil
	})
	return jobs, err
}

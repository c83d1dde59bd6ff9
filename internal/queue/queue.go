// Package queue holds the ordered list of download jobs and their state machine:
//
//	QUEUED -> DOWNLOADING -> COMPLETED (removed) | ERROR
//	ERROR -> QUEUED (retry), DOWNLOADING|QUEUED -> PAUSED, PAUSED -> QUEUED
//
// All mutations go through one mutex. Every transition is persisted when a Store is set.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go-media-download/internal/models"
	"go-media-download/internal/notify"

	log "github.com/sirupsen/logrus"
)

var (
	ErrJobNotFound       = errors.New("download job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Store persists jobs between runs.
type Store interface {
	SaveJob(job models.DownloadJob) error
	DeleteJob(key models.JobKey) error
	LoadJobs() ([]models.DownloadJob, error)
}

// EventKind describes an Event.
type EventKind int

const (
	JobAdded EventKind = iota
	JobUpdated
	JobRemoved
)

// Event is broadcast for every change to the queue.
type Event struct {
	Kind EventKind
	Job  models.DownloadJob
}

// Queue is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	jobs    []*models.DownloadJob // ordered by Seq
	index   map[models.JobKey]*models.DownloadJob
	nextSeq uint64

	store   Store
	changes *notify.Broadcaster[Event]
	now     func() time.Time
}

// New returns an empty queue. store may be nil.
func New(store Store) *Queue {
	return &Queue{
		index:   make(map[models.JobKey]*models.DownloadJob),
		store:   store,
		changes: notify.New[Event](256),
		now:     time.Now,
	}
}

// Restore loads persisted jobs in their original order. Jobs that were downloading when
// the process stopped go back to QUEUED.
func (q *Queue) Restore() error {
	if q.store == nil {
		return nil
	}
	jobs, err := q.store.LoadJobs()
	if err != nil {
		return fmt.Errorf("error loading queue: %w", err)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })

	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range jobs {
		job := jobs[i]
		if _, exists := q.index[job.Key()]; exists {
			continue
		}
		if job.Status == models.StatusDownloading {
			job.Status = models.StatusQueued
			job.BytesDone = 0
			q.persist(job)
		}
		q.jobs = append(q.jobs, &job)
		q.index[job.Key()] = &job
		if job.Seq >= q.nextSeq {
			q.nextSeq = job.Seq + 1
		}
	}
	log.WithField("jobs", len(jobs)).Debug("Download queue restored")
	return nil
}

// Changes subscribes to queue events. The cancel func must be called.
func (q *Queue) Changes() (<-chan Event, func()) {
	return q.changes.Subscribe()
}

// Enqueue appends a job for every item that is not queued yet and not rejected by skip.
// Items of local entries are never queued. It returns the jobs that were added.
func (q *Queue) Enqueue(entry models.Entry, items []models.Item, skip func(models.Item) bool) []models.DownloadJob {
	if entry.Local {
		return nil
	}
	q.mu.Lock()
	var added []models.DownloadJob
	for _, item := range items {
		key := models.KeyOf(entry, item)
		if _, exists := q.index[key]; exists {
			continue
		}
		if skip != nil && skip(item) {
			continue
		}
		job := &models.DownloadJob{
			Entry:     entry,
			Item:      item,
			Status:    models.StatusQueued,
			Seq:       q.nextSeq,
			UpdatedAt: q.now(),
		}
		q.nextSeq++
		q.jobs = append(q.jobs, job)
		q.index[key] = job
		q.persist(*job)
		added = append(added, *job)
	}
	q.mu.Unlock()

	for _, job := range added {
		q.changes.Publish(Event{Kind: JobAdded, Job: job})
	}
	return added
}

// Claim moves the first runnable QUEUED job to DOWNLOADING, but only while fewer than
// limit jobs are downloading. This is the only way a job starts.
func (q *Queue) Claim(limit int) (models.DownloadJob, bool) {
	q.mu.Lock()
	active := 0
	for _, j := range q.jobs {
		if j.Status == models.StatusDownloading {
			active++
		}
	}
	if active >= limit {
		q.mu.Unlock()
		return models.DownloadJob{}, false
	}

	now := q.now()
	for _, j := range q.jobs {
		if j.Status != models.StatusQueued || j.NotBefore.After(now) {
			continue
		}
		j.Status = models.StatusDownloading
		j.BytesDone = 0
		j.UpdatedAt = now
		q.persist(*j)
		claimed := *j
		q.mu.Unlock()
		q.changes.Publish(Event{Kind: JobUpdated, Job: claimed})
		return claimed, true
	}
	q.mu.Unlock()
	return models.DownloadJob{}, false
}

// Progress records transferred bytes. It is not persisted.
func (q *Queue) Progress(key models.JobKey, done, total int64) {
	q.mu.Lock()
	j, ok := q.index[key]
	if !ok || j.Status != models.StatusDownloading {
		q.mu.Unlock()
		return
	}
	j.BytesDone = done
	if total > 0 {
		j.BytesTotal = total
	}
	job := *j
	q.mu.Unlock()
	q.changes.Publish(Event{Kind: JobUpdated, Job: job})
}

// Complete removes a finished job.
func (q *Queue) Complete(key models.JobKey) error {
	q.mu.Lock()
	j, ok := q.index[key]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	job := *j
	q.removeLocked(key)
	q.mu.Unlock()

	job.Status = models.StatusCompleted
	job.BytesDone = job.BytesTotal
	q.changes.Publish(Event{Kind: JobRemoved, Job: job})
	return nil
}

// Fail records a failed attempt. While the retry count stays within maxRetries the job
// is requeued and held back for backoff; otherwise it is left in ERROR.
func (q *Queue) Fail(key models.JobKey, cause error, maxRetries int, backoff time.Duration) (models.DownloadJob, error) {
	return q.update(key, func(j *models.DownloadJob) error {
		if j.Status != models.StatusDownloading {
			return ErrInvalidTransition
		}
		j.Retries++
		j.LastError = errorString(cause)
		j.BytesDone = 0
		if j.Retries <= maxRetries {
			j.Status = models.StatusQueued
			j.NotBefore = q.now().Add(backoff)
		} else {
			j.Status = models.StatusError
		}
		return nil
	})
}

// FailPermanent moves a downloading job straight to ERROR without retrying.
func (q *Queue) FailPermanent(key models.JobKey, cause error) (models.DownloadJob, error) {
	return q.update(key, func(j *models.DownloadJob) error {
		if j.Status != models.StatusDownloading {
			return ErrInvalidTransition
		}
		j.LastError = errorString(cause)
		j.BytesDone = 0
		j.Status = models.StatusError
		return nil
	})
}

// Requeue returns an interrupted download to QUEUED without counting a retry.
func (q *Queue) Requeue(key models.JobKey) (models.DownloadJob, error) {
	return q.update(key, func(j *models.DownloadJob) error {
		if j.Status != models.StatusDownloading {
			return ErrInvalidTransition
		}
		j.Status = models.StatusQueued
		j.BytesDone = 0
		return nil
	})
}

// Pause holds a queued or downloading job. It returns the job as it was before pausing.
func (q *Queue) Pause(key models.JobKey) (models.DownloadJob, error) {
	var before models.DownloadJob
	_, err := q.update(key, func(j *models.DownloadJob) error {
		if j.Status != models.StatusQueued && j.Status != models.StatusDownloading {
			return ErrInvalidTransition
		}
		before = *j
		j.Status = models.StatusPaused
		j.BytesDone = 0
		return nil
	})
	return before, err
}

// Resume puts a paused job back in line.
func (q *Queue) Resume(key models.JobKey) (models.DownloadJob, error) {
	return q.update(key, func(j *models.DownloadJob) error {
		if j.Status != models.StatusPaused {
			return ErrInvalidTransition
		}
		j.Status = models.StatusQueued
		j.NotBefore = time.Time{}
		return nil
	})
}

// Retry requeues a job left in ERROR with a fresh retry budget.
func (q *Queue) Retry(key models.JobKey) (models.DownloadJob, error) {
	return q.update(key, func(j *models.DownloadJob) error {
		if j.Status != models.StatusError {
			return ErrInvalidTransition
		}
		j.Status = models.StatusQueued
		j.Retries = 0
		j.LastError = ""
		j.NotBefore = time.Time{}
		return nil
	})
}

// StartNow moves a job to the head of the queue and makes it runnable.
func (q *Queue) StartNow(key models.JobKey) (models.DownloadJob, error) {
	q.mu.Lock()
	j, ok := q.index[key]
	if !ok {
		q.mu.Unlock()
		return models.DownloadJob{}, ErrJobNotFound
	}
	if j.Status != models.StatusDownloading {
		j.Status = models.StatusQueued
		j.NotBefore = time.Time{}
	}
	j.UpdatedAt = q.now()

	reordered := make([]*models.DownloadJob, 0, len(q.jobs))
	reordered = append(reordered, j)
	for _, other := range q.jobs {
		if other != j {
			reordered = append(reordered, other)
		}
	}
	q.jobs = reordered
	for i, other := range q.jobs {
		other.Seq = uint64(i)
		q.persist(*other)
	}
	q.nextSeq = uint64(len(q.jobs))
	job := *j
	q.mu.Unlock()

	q.changes.Publish(Event{Kind: JobUpdated, Job: job})
	return job, nil
}

// PauseAll pauses every queued or downloading job and returns them as they were.
func (q *Queue) PauseAll() []models.DownloadJob {
	var paused []models.DownloadJob
	for _, job := range q.Snapshot() {
		if before, err := q.Pause(job.Key()); err == nil {
			paused = append(paused, before)
		}
	}
	return paused
}

// ResumeAll resumes every paused job.
func (q *Queue) ResumeAll() {
	for _, job := range q.Snapshot() {
		if job.Status == models.StatusPaused {
			_, _ = q.Resume(job.Key())
		}
	}
}

// Remove drops the given jobs whatever their state and returns the removed ones.
func (q *Queue) Remove(keys ...models.JobKey) []models.DownloadJob {
	q.mu.Lock()
	var removed []models.DownloadJob
	for _, key := range keys {
		if j, ok := q.index[key]; ok {
			removed = append(removed, *j)
			q.removeLocked(key)
		}
	}
	q.mu.Unlock()

	for _, job := range removed {
		q.changes.Publish(Event{Kind: JobRemoved, Job: job})
	}
	return removed
}

// RemoveEntry drops every job of an entry.
func (q *Queue) RemoveEntry(entryID int64) []models.DownloadJob {
	return q.Remove(q.keysWhere(func(j *models.DownloadJob) bool { return j.Entry.ID == entryID })...)
}

// Clear drops every job.
func (q *Queue) Clear() []models.DownloadJob {
	return q.Remove(q.keysWhere(func(*models.DownloadJob) bool { return true })...)
}

// Get returns a copy of one job.
func (q *Queue) Get(key models.JobKey) (models.DownloadJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.index[key]; ok {
		return *j, true
	}
	return models.DownloadJob{}, false
}

// Snapshot returns copies of all jobs in queue order.
func (q *Queue) Snapshot() []models.DownloadJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.DownloadJob, len(q.jobs))
	for i, j := range q.jobs {
		out[i] = *j
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Count returns the number of jobs in the given state.
func (q *Queue) Count(status models.JobStatus) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Status == status {
			n++
		}
	}
	return n
}

// NextRetryAt returns the earliest backoff deadline among queued jobs still waiting.
func (q *Queue) NextRetryAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var next time.Time
	for _, j := range q.jobs {
		if j.Status != models.StatusQueued || !j.NotBefore.After(now) {
			continue
		}
		if next.IsZero() || j.NotBefore.Before(next) {
			next = j.NotBefore
		}
	}
	return next, !next.IsZero()
}

// HasPending reports whether a job is queued or downloading.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.Status == models.StatusQueued || j.Status == models.StatusDownloading {
			return true
		}
	}
	return false
}

func (q *Queue) update(key models.JobKey, mutate func(j *models.DownloadJob) error) (models.DownloadJob, error) {
	q.mu.Lock()
	j, ok := q.index[key]
	if !ok {
		q.mu.Unlock()
		return models.DownloadJob{}, ErrJobNotFound
	}
	from := j.Status
	if err := mutate(j); err != nil {
		q.mu.Unlock()
		return *j, fmt.Errorf("job %s in state %s: %w", key, from, err)
	}
	j.UpdatedAt = q.now()
	q.persist(*j)
	job := *j
	q.mu.Unlock()

	q.changes.Publish(Event{Kind: JobUpdated, Job: job})
	return job, nil
}

func (q *Queue) keysWhere(match func(j *models.DownloadJob) bool) []models.JobKey {
	q.mu.Lock()
	defer q.mu.Unlock()
	var keys []models.JobKey
	for _, j := range q.jobs {
		if match(j) {
			keys = append(keys, j.Key())
		}
	}
	return keys
}

// removeLocked must be called with q.mu held.
func (q *Queue) removeLocked(key models.JobKey) {
	j := q.index[key]
	delete(q.index, key)
	for i, other := range q.jobs {
		if other == j {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			break
		}
	}
	if q.store != nil {
		if err := q.store.DeleteJob(key); err != nil {
			log.WithError(err).WithField("job", key.String()).Warn("Failed to delete persisted job")
		}
	}
}

// persist must be called with q.mu held.
func (q *Queue) persist(job models.DownloadJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(job); err != nil {
		log.WithError(err).WithField("job", job.Key().String()).Warn("Failed to persist job")
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

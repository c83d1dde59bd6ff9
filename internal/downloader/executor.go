package downloader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go-media-download/internal/config"
	"go-media-download/internal/helpers"
	"go-media-download/internal/models"
	"go-media-download/internal/queue"
	"go-media-download/internal/source"
	"go-media-download/internal/storage"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultMinFreeSpace is the free space a volume must keep for a job to start.
const DefaultMinFreeSpace = 200 * 1024 * 1024

const progressInterval = 250 * time.Millisecond

// Invalidator is the part of the availability cache the executor updates.
type Invalidator interface {
	InvalidateItem(entry models.Entry, item models.Item)
}

// CompletionHook runs after a job's files are in place and the cache is updated.
type CompletionHook func(job models.DownloadJob, dir string)

// Options are the static executor settings.
type Options struct {
	ChunkTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration // first retry delay, doubled on every further attempt
	MinFreeSpace uint64
}

// OptionsFromConfig maps the config file settings onto Options.
func OptionsFromConfig(cfg models.Config) Options {
	return Options{
		ChunkTimeout: time.Duration(cfg.ChunkTimeoutSec) * time.Second,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
		MinFreeSpace: DefaultMinFreeSpace,
	}
}

type runningJob struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Executor drains the queue with at most numberOfDownloads concurrent jobs. Each job
// fetches its parts with up to numberOfThreads goroutines, and all transfers share one
// byte rate limiter.
type Executor struct {
	queue    *queue.Queue
	cache    Invalidator
	location *storage.Location
	sources  source.Registry
	prefs    config.Preferences
	opts     Options
	limiter  *rate.Limiter

	mu      sync.Mutex
	running map[models.JobKey]*runningJob
	hooks   []CompletionHook

	wake chan struct{}
	wg   sync.WaitGroup
}

func NewExecutor(q *queue.Queue, cache Invalidator, location *storage.Location, sources source.Registry, prefs config.Preferences, opts Options) *Executor {
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = time.Duration(config.DefaultChunkTimeoutSec) * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Duration(config.DefaultRetryBackoffMs) * time.Millisecond
	}
	return &Executor{
		queue:    q,
		cache:    cache,
		location: location,
		sources:  sources,
		prefs:    prefs,
		opts:     opts,
		limiter:  newLimiter(prefs.DownloadSpeedLimit()),
		running:  make(map[models.JobKey]*runningJob),
		wake:     make(chan struct{}, 1),
	}
}

// OnComplete registers a hook. It must be called before Run.
func (e *Executor) OnComplete(hook CompletionHook) {
	e.hooks = append(e.hooks, hook)
}

// Run dispatches jobs until ctx is cancelled, then waits for running jobs to wind down.
// Interrupted jobs go back to QUEUED.
func (e *Executor) Run(ctx context.Context) error {
	events, unsubscribe := e.queue.Changes()
	defer unsubscribe()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	log.Info("Download executor started")
	for {
		e.dispatch(ctx)

		if next, ok := e.queue.NextRetryAt(); ok {
			timer.Reset(time.Until(next))
		}

		for idle := true; idle; {
			select {
			case <-ctx.Done():
				e.wg.Wait()
				log.Info("Download executor stopped")
				return nil
			case ev, ok := <-events:
				if !ok {
					e.wg.Wait()
					return nil
				}
				idle = !wakesDispatcher(ev)
			case <-e.wake:
				idle = false
			case <-timer.C:
				idle = false
			}
		}
	}
}

// wakesDispatcher reports whether an event can make a job runnable. Progress updates
// are by far the most frequent event and never do.
func wakesDispatcher(ev queue.Event) bool {
	switch ev.Kind {
	case queue.JobAdded:
		return true
	case queue.JobUpdated:
		return ev.Job.Status == models.StatusQueued
	}
	return false
}

// Wait blocks until every started job has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Active returns the number of jobs with a running worker.
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// dispatch starts jobs from the head of the queue while slots are free. Preferences are
// read on every pass. Claiming and registering a worker happen under e.mu so Cancel and
// Pause never miss a job that is about to start.
func (e *Executor) dispatch(ctx context.Context) {
	applyLimit(e.limiter, e.prefs.DownloadSpeedLimit())
	limit := e.prefs.NumberOfDownloads()

	for ctx.Err() == nil {
		e.mu.Lock()
		if len(e.running) >= limit {
			e.mu.Unlock()
			return
		}
		job, ok := e.queue.Claim(limit)
		if !ok {
			e.mu.Unlock()
			return
		}
		jobCtx, cancel := context.WithCancelCause(ctx)
		rj := &runningJob{cancel: cancel, done: make(chan struct{})}
		e.running[job.Key()] = rj
		e.wg.Add(1)
		e.mu.Unlock()

		go e.work(ctx, jobCtx, job, rj)
	}
}

func (e *Executor) work(ctx, jobCtx context.Context, job models.DownloadJob, rj *runningJob) {
	defer e.wg.Done()
	defer close(rj.done)
	defer rj.cancel(nil)

	log.WithFields(log.Fields{"job": job.Key().String(), "entry": job.Entry.Title, "item": job.Item.Name}).Info("Download started")
	err := e.download(jobCtx, job)

	e.mu.Lock()
	delete(e.running, job.Key())
	e.mu.Unlock()

	e.finish(ctx, jobCtx, job, err)
	e.signal()
}

// download assembles the item in <itemDir>_tmp and renames it into place. The
// temporary directory is removed on every failure path, so a cancelled or failed job
// never leaves partial files where the cache would count them.
func (e *Executor) download(ctx context.Context, job models.DownloadJob) error {
	src, ok := e.sources.Get(job.Entry.SourceID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrSourceUnavailable, job.Entry.SourceID)
	}

	root := e.location.Root()
	if !helpers.CheckAndMakeDir(root) {
		return fmt.Errorf("%w: cannot create %s", ErrFileSystem, root)
	}
	if free, ok := storage.FreeSpace(root); ok && e.opts.MinFreeSpace > 0 && free < e.opts.MinFreeSpace {
		return fmt.Errorf("%w: %s free", ErrInsufficientSpace, helpers.BytesToSize(free))
	}

	finalDir := e.location.ItemDir(job.Entry, job.Item)
	if size, err := storage.DirSize(finalDir); err == nil && size > 0 {
		log.WithField("dir", finalDir).Info("Item already on disk, skipping download")
		return nil
	}

	tmpDir := e.location.TmpItemDir(job.Entry, job.Item)
	if err := os.RemoveAll(tmpDir); err != nil {
		return fmt.Errorf("%w: clearing %s: %w", ErrFileSystem, tmpDir, err)
	}
	if !helpers.CheckAndMakeDir(tmpDir) {
		return fmt.Errorf("%w: cannot create %s", ErrFileSystem, tmpDir)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			if err := os.RemoveAll(tmpDir); err != nil {
				log.WithError(err).Warnf("Failed to remove temporary directory %s", tmpDir)
			}
		}
	}()

	listCtx, cancelList := context.WithTimeout(ctx, e.opts.ChunkTimeout)
	parts, err := src.Parts(listCtx, job.Entry, job.Item)
	cancelList()
	if err != nil {
		return causeOr(ctx, fmt.Errorf("listing parts: %w", err))
	}
	if len(parts) == 0 {
		return ErrEmptyArtifact
	}

	var total int64
	for _, p := range parts {
		total += p.Size
	}
	progress := e.progressReporter(job.Key(), total)

	fetcher := &partFetcher{
		src:          src,
		dir:          tmpDir,
		limiter:      e.limiter,
		chunkTimeout: e.opts.ChunkTimeout,
		safe:         e.prefs.SafeDownload(),
		onBytes:      progress,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.prefs.NumberOfThreads())
	for _, part := range parts {
		if gctx.Err() != nil {
			break
		}
		part := part
		g.Go(func() error { return fetcher.fetch(gctx, part) })
	}
	if err := g.Wait(); err != nil {
		return causeOr(ctx, err)
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}

	size, err := storage.DirSize(tmpDir)
	if err != nil {
		return fmt.Errorf("%w: sizing %s: %w", ErrFileSystem, tmpDir, err)
	}
	if size == 0 {
		return ErrEmptyArtifact
	}

	shouldCleanupTemp = false
	return publishItem(ctx, tmpDir, finalDir)
}

// publishItem renames a finished tmpDir into place. A job interrupted while the rename
// was in flight is undone, so nothing appears on disk after Cancel or Pause returned.
func publishItem(ctx context.Context, tmpDir, finalDir string) error {
	if err := os.RemoveAll(finalDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return fmt.Errorf("%w: clearing %s: %w", ErrFileSystem, finalDir, err)
	}
	if err := os.Rename(tmpDir, finalDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return fmt.Errorf("%w: renaming %s to %s: %w", ErrFileSystem, tmpDir, finalDir, err)
	}
	if cause := context.Cause(ctx); cause != nil {
		if err := os.RemoveAll(finalDir); err != nil {
			log.WithError(err).Warnf("Failed to remove interrupted download %s", finalDir)
		}
		return cause
	}
	return nil
}

// finish records the outcome of a job.
func (e *Executor) finish(parent, jobCtx context.Context, job models.DownloadJob, err error) {
	key := job.Key()
	fields := log.Fields{"job": key.String(), "entry": job.Entry.Title, "item": job.Item.Name}
	cause := context.Cause(jobCtx)

	switch {
	case err == nil:
		e.cache.InvalidateItem(job.Entry, job.Item)
		if cerr := e.queue.Complete(key); cerr != nil && !errors.Is(cerr, queue.ErrJobNotFound) {
			log.WithError(cerr).WithFields(fields).Warn("Failed to complete job")
		}
		log.WithFields(fields).Info("Download completed")
		dir := e.location.ItemDir(job.Entry, job.Item)
		for _, hook := range e.hooks {
			hook(job, dir)
		}

	case errors.Is(cause, errCancelled):
		e.queue.Remove(key)
		log.WithFields(fields).Info("Download cancelled")

	case errors.Is(cause, errPaused):
		log.WithFields(fields).Info("Download paused")

	case parent.Err() != nil:
		if _, qerr := e.queue.Requeue(key); qerr != nil {
			log.WithError(qerr).WithFields(fields).Debug("Interrupted job not requeued")
		}

	case errors.Is(err, ErrSourceUnavailable), errors.Is(err, ErrInsufficientSpace):
		log.WithError(err).WithFields(fields).Error("Download failed")
		if _, qerr := e.queue.FailPermanent(key, err); qerr != nil {
			log.WithError(qerr).WithFields(fields).Debug("Job state not updated")
		}

	default:
		updated, qerr := e.queue.Fail(key, err, e.opts.MaxRetries, e.backoff(job.Retries))
		if qerr != nil {
			log.WithError(qerr).WithFields(fields).Debug("Job state not updated")
			return
		}
		if updated.Status == models.StatusError {
			log.WithError(err).WithFields(fields).Errorf("Download failed after %d attempts", updated.Retries)
		} else {
			log.WithError(err).WithFields(fields).Warnf("Download failed, retry %d/%d scheduled", updated.Retries, e.opts.MaxRetries)
		}
	}
}

// backoff grows exponentially with the number of attempts already made.
func (e *Executor) backoff(retries int) time.Duration {
	d := float64(e.opts.RetryBackoff) * math.Pow(2, float64(retries))
	if d > float64(time.Hour) {
		d = float64(time.Hour)
	}
	return time.Duration(d)
}

// progressReporter returns a byte callback that reports to the queue at most every
// progressInterval.
func (e *Executor) progressReporter(key models.JobKey, total int64) func(int) {
	var done atomic.Int64
	var last atomic.Int64
	return func(n int) {
		current := done.Add(int64(n))
		now := time.Now().UnixNano()
		prev := last.Load()
		if now-prev < int64(progressInterval) && current < total {
			return
		}
		if last.CompareAndSwap(prev, now) {
			e.queue.Progress(key, current, total)
		}
	}
}

// Cancel removes jobs from the queue. Running jobs are stopped at the next chunk
// boundary and Cancel returns once their partial output is gone.
func (e *Executor) Cancel(ctx context.Context, keys ...models.JobKey) error {
	e.mu.Lock()
	e.queue.Remove(keys...)
	waits := e.interruptLocked(keys, errCancelled)
	e.mu.Unlock()
	return waitAll(ctx, waits)
}

// Pause holds jobs. A running job is stopped and its partial output removed.
func (e *Executor) Pause(ctx context.Context, keys ...models.JobKey) error {
	e.mu.Lock()
	var toStop []models.JobKey
	var err error
	for _, key := range keys {
		before, perr := e.queue.Pause(key)
		if perr != nil {
			err = perr
			continue
		}
		if before.Status == models.StatusDownloading {
			toStop = append(toStop, key)
		}
	}
	waits := e.interruptLocked(toStop, errPaused)
	e.mu.Unlock()

	if werr := waitAll(ctx, waits); werr != nil {
		return werr
	}
	return err
}

// PauseAll holds every queued and running job.
func (e *Executor) PauseAll(ctx context.Context) error {
	e.mu.Lock()
	var toStop []models.JobKey
	for _, before := range e.queue.PauseAll() {
		if before.Status == models.StatusDownloading {
			toStop = append(toStop, before.Key())
		}
	}
	waits := e.interruptLocked(toStop, errPaused)
	e.mu.Unlock()
	return waitAll(ctx, waits)
}

// interruptLocked must be called with e.mu held.
func (e *Executor) interruptLocked(keys []models.JobKey, cause error) []chan struct{} {
	var waits []chan struct{}
	for _, key := range keys {
		if rj, ok := e.running[key]; ok {
			rj.cancel(cause)
			waits = append(waits, rj.done)
		}
	}
	return waits
}

func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func waitAll(ctx context.Context, waits []chan struct{}) error {
	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

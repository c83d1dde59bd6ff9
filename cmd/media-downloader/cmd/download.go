package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-media-download/internal/helpers"
	"go-media-download/internal/models"
)

const renderInterval = 500 * time.Millisecond

var downloadCmd = &cobra.Command{
	Use:   "download [entry-id [item-id...]]",
	Short: "Queue items and run the download queue",
	Long: `Queues the given items (every item of the entry when no item ids are given), runs
pending removals and then downloads until the queue has nothing left to do.
Interrupting keeps unfinished jobs queued for the next run.`,
	Args: cobra.ArbitraryArgs,
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().Bool("all", false, "Queue every item of every entry that is not downloaded yet")
	downloadCmd.Flags().Bool("unseen-only", false, "Only queue items not marked as seen")
	downloadCmd.Flags().Bool("keep-running", false, "Keep running after the queue is drained, waiting for new work")
}

func runDownload(cmd *cobra.Command, args []string) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	all, _ := cmd.Flags().GetBool("all")
	unseenOnly, _ := cmd.Flags().GetBool("unseen-only")
	keepRunning, _ := cmd.Flags().GetBool("keep-running")

	// Removal and queueing both need to know what is on disk.
	if err := a.manager.Rescan(ctx); err != nil {
		return err
	}
	if err := a.manager.DeletePending(ctx); err != nil {
		log.WithError(err).Error("Some pending removals failed")
	}

	var targets []models.Entry
	switch {
	case all:
		if targets, err = a.library.Entries(); err != nil {
			return err
		}
	case len(args) > 0:
		entry, err := entryArg(a, args[0])
		if err != nil {
			return err
		}
		targets = []models.Entry{entry}
	}
	queued := 0
	for _, entry := range targets {
		var items []models.Item
		if all {
			items, err = itemsArg(cmd, a, entry, nil)
		} else {
			items, err = itemsArg(cmd, a, entry, args[1:])
		}
		if err != nil {
			return err
		}
		if unseenOnly {
			items = unseen(items)
		}
		queued += len(a.manager.Enqueue(ctx, entry, items))
	}
	if len(targets) > 0 {
		log.Infof("Queued %d new downloads", queued)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.manager.Start(runCtx); err != nil {
		return err
	}

	writer := uilive.New()
	writer.Start()
	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			log.Info("Interrupted, unfinished downloads stay queued")
			break loop
		case <-ticker.C:
			renderQueue(writer, a.manager.Queue())
			if !keepRunning && !a.manager.IsInitializing() && !a.manager.HasPendingDownloads() {
				break loop
			}
		}
	}
	writer.Stop()

	cancel()
	a.manager.Wait()

	jobs := a.manager.Queue()
	failed := 0
	for _, job := range jobs {
		if job.Status == models.StatusError {
			failed++
			log.WithField("job", job.Key().String()).Warnf("%s / %s failed: %s", job.Entry.Title, job.Item.Name, job.LastError)
		}
	}
	log.Infof("Download run finished: %d jobs left in queue, %d failed", len(jobs), failed)
	return nil
}

func unseen(items []models.Item) []models.Item {
	out := items[:0:0]
	for _, it := range items {
		if !it.Seen {
			out = append(out, it)
		}
	}
	return out
}

// renderQueue redraws the live view of the running and waiting jobs.
func renderQueue(w *uilive.Writer, jobs []models.DownloadJob) {
	counts := make(map[models.JobStatus]int)
	for _, job := range jobs {
		counts[job.Status]++
	}
	fmt.Fprintf(w, "Queue: %d downloading, %d queued, %d paused, %d failed\n",
		counts[models.StatusDownloading], counts[models.StatusQueued], counts[models.StatusPaused], counts[models.StatusError])
	for _, job := range jobs {
		if job.Status == models.StatusDownloading {
			writeJobLine(w.Newline(), job)
		}
	}
}

func writeJobLine(w io.Writer, job models.DownloadJob) {
	fmt.Fprintf(w, "  %s / %s: %5.1f%% (%s of %s)\n", job.Entry.Title, job.Item.Name, job.Progress()*100,
		helpers.BytesToSize(uint64(job.BytesDone)), helpers.BytesToSize(uint64(job.BytesTotal)))
}

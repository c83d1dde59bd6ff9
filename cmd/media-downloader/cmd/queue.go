package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-media-download/internal/helpers"
	"go-media-download/internal/models"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control the download queue",
	Long: `Jobs are addressed as <entry-id>/<item-id>, as printed by 'queue list'.
Changes are persisted and picked up by the next 'download' run.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued jobs in the order they will run",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause [job...]",
	Short: "Pause jobs, or every job when none are given",
	RunE: queueAction(func(a *app, cmd *cobra.Command, keys []models.JobKey) error {
		if len(keys) == 0 {
			return a.manager.PauseAll(cmd.Context())
		}
		return a.manager.Pause(cmd.Context(), keys...)
	}),
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume [job...]",
	Short: "Resume paused jobs, or every paused job when none are given",
	RunE: queueAction(func(a *app, cmd *cobra.Command, keys []models.JobKey) error {
		if len(keys) == 0 {
			a.manager.ResumeAll()
			return nil
		}
		return a.manager.Resume(keys...)
	}),
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [job...]",
	Short: "Retry failed jobs, or every failed job when none are given",
	RunE: queueAction(func(a *app, cmd *cobra.Command, keys []models.JobKey) error {
		return a.manager.Retry(keys...)
	}),
}

var queueStartNowCmd = &cobra.Command{
	Use:   "start-now <job>",
	Short: "Move a job to the front of the queue",
	Args:  cobra.ExactArgs(1),
	RunE: queueAction(func(a *app, cmd *cobra.Command, keys []models.JobKey) error {
		return a.manager.StartNow(keys[0])
	}),
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <job>...",
	Short: "Remove jobs from the queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: queueAction(func(a *app, cmd *cobra.Command, keys []models.JobKey) error {
		return a.manager.Cancel(cmd.Context(), keys...)
	}),
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every job from the queue",
	Args:  cobra.NoArgs,
	RunE: queueAction(func(a *app, cmd *cobra.Command, _ []models.JobKey) error {
		return a.manager.ClearQueue(cmd.Context())
	}),
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queuePauseCmd, queueResumeCmd, queueRetryCmd, queueStartNowCmd, queueCancelCmd, queueClearCmd)
}

// queueAction opens the app, parses job keys from args and runs fn.
func queueAction(fn func(a *app, cmd *cobra.Command, keys []models.JobKey) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		keys, err := parseJobKeys(args)
		if err != nil {
			return err
		}
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := fn(a, cmd, keys); err != nil {
			return err
		}
		log.Infof("%s: done, %d jobs in queue", cmd.Name(), len(a.manager.Queue()))
		return nil
	}
}

func runQueueList(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs := a.manager.Queue()
	if len(jobs) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Job\tEntry\tItem\tStatus\tProgress\tRetries\tLast Error")
	fmt.Fprintln(tw, "---\t-----\t----\t------\t--------\t-------\t----------")
	for _, job := range jobs {
		progress := "-"
		if job.BytesTotal > 0 {
			progress = fmt.Sprintf("%.0f%% of %s", job.Progress()*100, helpers.BytesToSize(uint64(job.BytesTotal)))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", job.Key(), job.Entry.Title, job.Item.Name, job.Status,
			progress, job.Retries, job.LastError)
	}
	return tw.Flush()
}

// parseJobKeys parses "<entry-id>/<item-id>" arguments.
func parseJobKeys(args []string) ([]models.JobKey, error) {
	keys := make([]models.JobKey, 0, len(args))
	for _, arg := range args {
		entryPart, itemPart, ok := strings.Cut(arg, "/")
		if !ok {
			return nil, fmt.Errorf("invalid job %q, expected <entry-id>/<item-id>", arg)
		}
		entryID, err := strconv.ParseInt(entryPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid entry id in job %q", arg)
		}
		itemID, err := strconv.ParseInt(itemPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid item id in job %q", arg)
		}
		keys = append(keys, models.JobKey{EntryID: entryID, ItemID: itemID})
	}
	return keys, nil
}

package cmd

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-media-download/internal/helpers"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [entry-id [item-id...]]",
	Short: "Delete downloaded items of an entry",
	Long: `Deletes the downloads of the given items, or of the whole entry when no item ids
are given. Queued jobs for those items are cancelled. The library itself is not
changed; use 'library remove' to drop an entry.

With --pending, runs the removals recorded by 'library seen --defer' instead.`,
	Args: cobra.ArbitraryArgs,
	RunE: runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)

	deleteCmd.Flags().Bool("pending", false, "Run the recorded pending removals")
	deleteCmd.Flags().Bool("list-pending", false, "Only list the recorded pending removals")
}

func runDelete(cmd *cobra.Command, args []string) error {
	pending, _ := cmd.Flags().GetBool("pending")
	listPending, _ := cmd.Flags().GetBool("list-pending")
	if !pending && !listPending && len(args) == 0 {
		return errors.New("an entry id is required unless --pending or --list-pending is used")
	}

	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if listPending {
		entries, err := a.manager.PendingDeletions()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No pending removals.")
		}
		for _, pe := range entries {
			fmt.Printf("%s (%d):\n", pe.Entry.Title, pe.Entry.ID)
			for _, item := range pe.Items {
				fmt.Printf("  %d  %s\n", item.ID, item.Name)
			}
		}
		return nil
	}

	if err := a.manager.Rescan(ctx); err != nil {
		return err
	}
	if pending {
		if err := a.manager.DeletePending(ctx); err != nil {
			return err
		}
		log.Info("Pending removals done")
		return nil
	}

	entry, err := entryArg(a, args[0])
	if err != nil {
		return err
	}
	before := a.manager.DownloadSize(entry)
	if len(args) == 1 {
		err = a.manager.DeleteEntry(ctx, entry)
	} else {
		items, itemsErr := itemsArg(cmd, a, entry, args[1:])
		if itemsErr != nil {
			return itemsErr
		}
		err = a.manager.DeleteItems(ctx, entry, items)
	}
	if err != nil {
		return err
	}
	log.Infof("Deleted downloads of %s, freed %s", entry.Title, bytesFreed(before, a.manager.DownloadSize(entry)))
	return nil
}

func bytesFreed(before, after int64) string {
	if after > before {
		return helpers.BytesToSize(0)
	}
	return helpers.BytesToSize(uint64(before - after))
}

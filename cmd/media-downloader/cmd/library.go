package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-media-download/internal/helpers"
	"go-media-download/internal/library"
	"go-media-download/internal/models"
)

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "Manage library entries and their items",
}

var libraryImportCmd = &cobra.Command{
	Use:   "import <manifest.toml>",
	Short: "Import entries, items and categories from a TOML manifest",
	Long: `Adds or updates the entries listed in the manifest. Items new to the library are
passed through the auto-download policy and queued when admitted.`,
	Args: cobra.ExactArgs(1),
	RunE: runLibraryImport,
}

var libraryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries with their downloaded item counts and sizes",
	Args:  cobra.NoArgs,
	RunE:  runLibraryList,
}

var libraryItemsCmd = &cobra.Command{
	Use:   "items <entry-id>",
	Short: "List the items of an entry and whether they are downloaded",
	Args:  cobra.ExactArgs(1),
	RunE:  runLibraryItems,
}

var librarySeenCmd = &cobra.Command{
	Use:   "seen <entry-id> <item-id>...",
	Short: "Mark items as seen and apply the remove-after-read policy",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runLibrarySeen,
}

var libraryBookmarkCmd = &cobra.Command{
	Use:   "bookmark <entry-id> <item-id>...",
	Short: "Bookmark items, protecting them from removal after reading",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runLibraryBookmark,
}

var libraryRemoveCmd = &cobra.Command{
	Use:   "remove <entry-id>",
	Short: "Remove an entry from the library and delete its downloads",
	Args:  cobra.ExactArgs(1),
	RunE:  runLibraryRemove,
}

func init() {
	rootCmd.AddCommand(libraryCmd)
	libraryCmd.AddCommand(libraryImportCmd, libraryListCmd, libraryItemsCmd, librarySeenCmd, libraryBookmarkCmd, libraryRemoveCmd)

	libraryImportCmd.Flags().Bool("no-auto-download", false, "Do not queue new items, only record them")
	librarySeenCmd.Flags().Bool("unseen", false, "Mark the items as not seen instead")
	librarySeenCmd.Flags().Bool("defer", false, "Record removal candidates instead of deleting now (see 'delete --pending')")
	libraryBookmarkCmd.Flags().Bool("remove", false, "Remove the bookmark instead")
}

func runLibraryImport(cmd *cobra.Command, args []string) error {
	manifest, err := library.LoadManifest(args[0])
	if err != nil {
		return err
	}
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.library.Import(manifest)
	if err != nil {
		return err
	}

	noAuto, _ := cmd.Flags().GetBool("no-auto-download")
	var newItems, queued int
	for _, res := range results {
		newItems += len(res.NewItems)
		if noAuto || len(res.NewItems) == 0 {
			continue
		}
		jobs, err := a.manager.OnNewItems(cmd.Context(), res.Entry, res.NewItems)
		if err != nil {
			log.WithError(err).WithField("entry", res.Entry.Title).Error("Auto-download check failed")
			continue
		}
		queued += len(jobs)
	}
	log.Infof("Imported %d entries with %d new items, %d queued for download", len(results), newItems, queued)
	return nil
}

func runLibraryList(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.Rescan(cmd.Context()); err != nil {
		return err
	}
	entries, err := a.library.Entries()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTitle\tSource\tItems\tDownloaded\tSize")
	fmt.Fprintln(tw, "--\t-----\t------\t-----\t----------\t----")
	for _, entry := range entries {
		items, err := a.library.Items(cmd.Context(), entry.ID)
		if err != nil {
			return err
		}
		source := strconv.FormatInt(entry.SourceID, 10)
		if entry.Local {
			source = "local"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n", entry.ID, entry.Title, source, len(items),
			a.manager.DownloadCount(entry), helpers.BytesToSize(uint64(a.manager.DownloadSize(entry))))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d items, %s\n", a.manager.TotalDownloadCount(), helpers.BytesToSize(uint64(a.manager.TotalDownloadSize())))
	return nil
}

func runLibraryItems(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := entryArg(a, args[0])
	if err != nil {
		return err
	}
	if err := a.manager.Rescan(cmd.Context()); err != nil {
		return err
	}
	items, err := a.library.Items(cmd.Context(), entry.ID)
	if err != nil {
		return err
	}

	queued := make(map[int64]models.JobStatus)
	for _, job := range a.manager.Queue() {
		if job.Entry.ID == entry.ID {
			queued[job.Item.ID] = job.Status
		}
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tName\tNumber\tSeen\tBookmark\tStatus")
	fmt.Fprintln(tw, "--\t----\t------\t----\t--------\t------")
	for _, item := range items {
		status := a.manager.Lookup(entry, item).String()
		if s, ok := queued[item.ID]; ok {
			status = string(s)
		}
		number := "-"
		if item.IsRecognizedNumber() {
			number = strconv.FormatFloat(item.Number, 'f', -1, 64)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\t%s\n", item.ID, item.Name, number, item.Seen, item.Bookmark, status)
	}
	return tw.Flush()
}

func runLibrarySeen(cmd *cobra.Command, args []string) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := entryArg(a, args[0])
	if err != nil {
		return err
	}
	ids, err := parseIDs(args[1:])
	if err != nil {
		return err
	}
	unseen, _ := cmd.Flags().GetBool("unseen")
	deferred, _ := cmd.Flags().GetBool("defer")

	items, err := a.library.SetSeen(entry.ID, ids, !unseen)
	if err != nil {
		return err
	}
	if unseen {
		log.Infof("Marked %d items of %s as not seen", len(items), entry.Title)
		return nil
	}

	if err := a.manager.Rescan(cmd.Context()); err != nil {
		return err
	}
	removed, err := a.manager.OnItemsSeen(cmd.Context(), entry, items, deferred)
	if err != nil {
		return err
	}
	switch {
	case len(removed) == 0:
		log.Infof("Marked %d items of %s as seen", len(items), entry.Title)
	case deferred:
		log.Infof("Marked %d items of %s as seen, %d recorded for removal", len(items), entry.Title, len(removed))
	default:
		log.Infof("Marked %d items of %s as seen, removed %d downloads", len(items), entry.Title, len(removed))
	}
	return nil
}

func runLibraryBookmark(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := entryArg(a, args[0])
	if err != nil {
		return err
	}
	ids, err := parseIDs(args[1:])
	if err != nil {
		return err
	}
	remove, _ := cmd.Flags().GetBool("remove")
	items, err := a.library.SetBookmark(entry.ID, ids, !remove)
	if err != nil {
		return err
	}
	log.Infof("Updated bookmarks of %d items of %s", len(items), entry.Title)
	return nil
}

func runLibraryRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := entryArg(a, args[0])
	if err != nil {
		return err
	}
	if err := a.manager.Rescan(cmd.Context()); err != nil {
		return err
	}
	if err := a.manager.DeleteEntry(cmd.Context(), entry); err != nil {
		return err
	}
	if err := a.library.RemoveEntry(entry.ID); err != nil {
		return err
	}
	log.Infof("Removed %s from the library", entry.Title)
	return nil
}

// parseIDs converts numeric arguments.
func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func entryArg(a *app, arg string) (models.Entry, error) {
	ids, err := parseIDs([]string{arg})
	if err != nil {
		return models.Entry{}, err
	}
	return a.library.Entry(ids[0])
}

// itemsArg resolves item ids of an entry. No ids selects every item.
func itemsArg(cmd *cobra.Command, a *app, entry models.Entry, args []string) ([]models.Item, error) {
	if len(args) == 0 {
		return a.library.Items(cmd.Context(), entry.ID)
	}
	ids, err := parseIDs(args)
	if err != nil {
		return nil, err
	}
	items := make([]models.Item, 0, len(ids))
	for _, id := range ids {
		item, err := a.library.Item(entry.ID, id)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

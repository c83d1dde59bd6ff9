package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go-media-download/internal/helpers"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or rebuild the index of what is on disk",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show totals from the last saved scan without touching the disk",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return runCache(cmd, false) },
}

var cacheRescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Rescan the downloads directory and save the result",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return runCache(cmd, true) },
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatusCmd, cacheRescanCmd)
}

func runCache(cmd *cobra.Command, rescan bool) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if rescan {
		if err := a.manager.Rescan(cmd.Context()); err != nil {
			return err
		}
	}
	fmt.Printf("Downloads root: %s\n", a.location.Root())
	fmt.Printf("Items on disk:  %d\n", a.manager.TotalDownloadCount())
	fmt.Printf("Size on disk:   %s\n", helpers.BytesToSize(uint64(a.manager.TotalDownloadSize())))
	return nil
}

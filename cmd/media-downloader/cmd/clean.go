package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-media-download/internal/database"
	"go-media-download/internal/storage"
)

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolP("torrents", "t", false, "Also remove *.torrent files")
	cleanCmd.Flags().BoolP("magnets", "m", false, "Also remove *-magnet.txt files")
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove leftovers of interrupted downloads from the downloads directory",
	Long: `Recursively scans the configured DownloadsPath and removes unfinished item
directories (ending in _tmp) and files ending with .tmp.
Optionally removes *.torrent and *-magnet.txt files as well.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

type cleanOptions struct {
	torrents bool
	magnets  bool
	skip     []string // paths never descended into
}

type cleanStats struct {
	tmpRemoved     int64
	torrentRemoved int64
	magnetRemoved  int64
	failed         int64
}

func (s cleanStats) summary() string {
	var parts []string
	if s.tmpRemoved > 0 {
		parts = append(parts, fmt.Sprintf("%d unfinished download(s)", s.tmpRemoved))
	}
	if s.torrentRemoved > 0 {
		parts = append(parts, fmt.Sprintf("%d .torrent file(s)", s.torrentRemoved))
	}
	if s.magnetRemoved > 0 {
		parts = append(parts, fmt.Sprintf("%d -magnet.txt file(s)", s.magnetRemoved))
	}

	summary := "Clean complete. Removed: "
	if len(parts) > 0 {
		summary += strings.Join(parts, ", ")
	} else {
		summary += "0 files"
	}
	if s.failed > 0 {
		summary += fmt.Sprintf(". Failed to remove %d file(s).", s.failed)
	}
	return summary
}

func runClean(cmd *cobra.Command, args []string) error {
	root := globalConfig.DownloadsPath
	if root == "" {
		return errors.New("DownloadsPath is not configured, cannot determine where to clean")
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("error accessing DownloadsPath %q: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("DownloadsPath is not a directory: %s", root)
	}

	// Holding the database lock keeps a running download from losing its temp files.
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return fmt.Errorf("cannot clean while another instance is running: %w", err)
	}
	defer db.Close()

	opts := cleanOptions{skip: []string{globalConfig.DatabasePath, globalConfig.IndexPath}}
	opts.torrents, _ = cmd.Flags().GetBool("torrents")
	opts.magnets, _ = cmd.Flags().GetBool("magnets")

	log.Infof("Scanning for unfinished downloads in %s...", root)
	stats, walkErr := cleanDownloads(root, opts)
	if walkErr != nil {
		log.Errorf("Error during directory walk of %q: %v", root, walkErr)
	}
	log.Info(stats.summary())

	if stats.failed > 0 || walkErr != nil {
		return errors.New("clean finished with errors")
	}
	return nil
}

// cleanDownloads walks root and removes what opts selects.
func cleanDownloads(root string, opts cleanOptions) (cleanStats, error) {
	var stats cleanStats
	skip := make(map[string]bool, len(opts.skip))
	for _, p := range opts.skip {
		if p != "" {
			skip[filepath.Clean(p)] = true
		}
	}

	remove := func(path, kind string, counter *int64) {
		if err := os.RemoveAll(path); err != nil {
			log.Errorf("Failed to remove %s %q: %v", kind, path, err)
			stats.failed++
			return
		}
		log.Infof("Removed %s: %s", kind, path)
		*counter++
	}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			log.Warnf("Error accessing path %q during scan: %v", path, err)
			return nil
		}
		if skip[filepath.Clean(path)] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasSuffix(d.Name(), storage.TmpSuffix) {
				remove(path, "unfinished download", &stats.tmpRemoved)
				return filepath.SkipDir
			}
			return nil
		}

		lowerName := strings.ToLower(d.Name())
		switch {
		case strings.HasSuffix(lowerName, ".tmp"):
			remove(path, ".tmp file", &stats.tmpRemoved)
		case opts.torrents && strings.HasSuffix(lowerName, ".torrent"):
			remove(path, ".torrent file", &stats.torrentRemoved)
		case opts.magnets && strings.HasSuffix(lowerName, "-magnet.txt"):
			remove(path, "-magnet.txt file", &stats.magnetRemoved)
		}
		return nil
	})
	return stats, err
}

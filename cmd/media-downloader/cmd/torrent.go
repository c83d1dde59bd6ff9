package cmd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-media-download/index"
	"go-media-download/internal/models"
	"go-media-download/internal/storage"
)

const torrentPieceLength = 512 * 1024

// torrentJob holds the parameters for one torrent worker task
type torrentJob struct {
	Entry      models.Entry
	Item       models.Item
	SourcePath string
}

type torrentOptions struct {
	Trackers       []string
	OutputDir      string
	Overwrite      bool
	GenerateMagnet bool
}

var torrentCmd = &cobra.Command{
	Use:   "torrent [entry-id...]",
	Short: "Generate .torrent files for downloaded items",
	Long: `Generates a .torrent file for every downloaded item of the given entries, or of
all entries when none are given. Torrents are written next to the item inside the
entry directory unless --output-dir is set. The torrent path and magnet link are
recorded in the search index.`,
	RunE: runTorrent,
}

func init() {
	rootCmd.AddCommand(torrentCmd)

	torrentCmd.Flags().StringSlice("announce", []string{}, "Tracker announce URL (repeatable)")
	torrentCmd.Flags().StringP("output-dir", "o", "", "Directory to save generated .torrent files (default: the entry directory)")
	torrentCmd.Flags().BoolP("overwrite", "f", false, "Overwrite existing .torrent files")
	torrentCmd.Flags().Bool("magnet-links", false, "Generate a -magnet.txt file containing the magnet link alongside each .torrent file")
	torrentCmd.Flags().IntP("concurrency", "c", 4, "Number of concurrent torrent generation workers")
}

func runTorrent(cmd *cobra.Command, args []string) error {
	var opts torrentOptions
	opts.Trackers, _ = cmd.Flags().GetStringSlice("announce")
	opts.OutputDir, _ = cmd.Flags().GetString("output-dir")
	opts.Overwrite, _ = cmd.Flags().GetBool("overwrite")
	opts.GenerateMagnet, _ = cmd.Flags().GetBool("magnet-links")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency < 1 {
		concurrency = 1
	}
	if len(opts.Trackers) == 0 {
		log.Warn("No --announce URLs given, torrents will rely on DHT")
	}

	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	var entries []models.Entry
	if len(ids) == 0 {
		if entries, err = a.library.Entries(); err != nil {
			return err
		}
	}
	for _, id := range ids {
		entry, err := a.library.Entry(id)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}

	jobs := make(chan torrentJob)
	var wg sync.WaitGroup
	var succeeded, failed atomic.Int64
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for job := range jobs {
				fields := log.Fields{"worker": id, "entry": job.Entry.Title, "item": job.Item.Name}
				torrentPath, magnet, err := generateTorrentFile(job.SourcePath, opts)
				if err != nil {
					log.WithFields(fields).WithError(err).Error("Failed to generate torrent")
					failed.Add(1)
					continue
				}
				if err := index.SetTorrent(a.index, job.Entry, job.Item, job.SourcePath, torrentPath, magnet); err != nil {
					log.WithFields(fields).WithError(err).Warn("Failed to record torrent in index")
				}
				succeeded.Add(1)
			}
		}(i + 1)
	}

	queued := 0
	for _, entry := range entries {
		if entry.Local {
			continue
		}
		items, err := a.library.Items(cmd.Context(), entry.ID)
		if err != nil {
			log.WithError(err).WithField("entry", entry.Title).Error("Failed to load items")
			continue
		}
		for _, item := range items {
			path, ok := itemPath(a.location, entry, item)
			if !ok {
				continue
			}
			jobs <- torrentJob{Entry: entry, Item: item, SourcePath: path}
			queued++
		}
	}
	close(jobs)
	wg.Wait()

	log.Infof("Torrent generation finished: %d of %d succeeded, %d failed", succeeded.Load(), queued, failed.Load())
	if failed.Load() > 0 {
		return fmt.Errorf("%d torrents failed", failed.Load())
	}
	return nil
}

// itemPath returns the on-disk directory or artifact of a downloaded item.
func itemPath(loc *storage.Location, entry models.Entry, item models.Item) (string, bool) {
	for _, name := range storage.CandidateNames(item) {
		path := filepath.Join(loc.EntryDir(entry), name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// generateTorrentFile writes a torrent for an item directory or artifact file and returns
// its path and magnet link. An existing torrent is left alone unless opts.Overwrite is set.
func generateTorrentFile(sourcePath string, opts torrentOptions) (string, string, error) {
	stat, err := os.Stat(sourcePath)
	if err != nil {
		return "", "", fmt.Errorf("error stating source path %s: %w", sourcePath, err)
	}

	torrentFileName := fmt.Sprintf("%s.torrent", stat.Name())
	outDir := filepath.Dir(sourcePath)
	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
			return "", "", fmt.Errorf("error creating output directory %s: %w", opts.OutputDir, err)
		}
		outDir = opts.OutputDir
	}
	outPath := filepath.Join(outDir, torrentFileName)

	if _, err := os.Stat(outPath); err == nil {
		if !opts.Overwrite {
			log.WithField("path", outPath).Info("Skipping existing torrent file (use --overwrite to replace)")
			mi, err := metainfo.LoadFromFile(outPath)
			if err != nil {
				return "", "", fmt.Errorf("error reading existing torrent %s: %w", outPath, err)
			}
			return outPath, magnetURI(mi, stat.Name(), opts.Trackers), nil
		}
		log.WithField("path", outPath).Warn("Overwriting existing torrent file")
	}

	mi := metainfo.MetaInfo{
		AnnounceList: make([][]string, len(opts.Trackers)),
		CreatedBy:    "go-media-download",
	}
	for i, tracker := range opts.Trackers {
		mi.AnnounceList[i] = []string{tracker}
	}
	if len(opts.Trackers) > 0 {
		mi.Announce = opts.Trackers[0]
	}

	info := metainfo.Info{PieceLength: torrentPieceLength}
	if err := info.BuildFromFilePath(sourcePath); err != nil {
		return "", "", fmt.Errorf("error building torrent info from path %s: %w", sourcePath, err)
	}
	mi.InfoBytes, err = bencode.Marshal(info)
	if err != nil {
		return "", "", fmt.Errorf("error marshaling torrent info: %w", err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return "", "", fmt.Errorf("error creating torrent file %s: %w", outPath, err)
	}
	defer f.Close()
	if err := mi.Write(f); err != nil {
		return "", "", fmt.Errorf("error writing torrent file %s: %w", outPath, err)
	}
	log.WithField("path", outPath).Info("Generated torrent file")

	magnet := magnetURI(&mi, stat.Name(), opts.Trackers)
	if opts.GenerateMagnet {
		magnetPath := filepath.Join(outDir, strings.TrimSuffix(torrentFileName, ".torrent")+"-magnet.txt")
		if err := os.WriteFile(magnetPath, []byte(magnet), 0644); err != nil {
			// The torrent itself is fine.
			log.WithError(err).WithField("path", magnetPath).Error("Failed to write magnet link file")
		}
	}
	return outPath, magnet, nil
}

func magnetURI(mi *metainfo.MetaInfo, displayName string, trackers []string) string {
	parts := []string{
		fmt.Sprintf("magnet:?xt=urn:btih:%s", mi.HashInfoBytes().HexString()),
		fmt.Sprintf("dn=%s", url.QueryEscape(displayName)),
	}
	for _, tracker := range trackers {
		parts = append(parts, fmt.Sprintf("tr=%s", url.QueryEscape(tracker)))
	}
	return strings.Join(parts, "&")
}

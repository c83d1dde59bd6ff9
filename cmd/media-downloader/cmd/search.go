package cmd

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-media-download/index"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the index of downloaded items",
	Long: `Performs a search against the Bleve index of downloaded items, located at
'[DownloadsPath]/downloads.bleve' unless 'IndexPath' is set in the configuration.

Supports Bleve's query string syntax. Searchable fields (JSON tag names):
  - entryTitle (string): Title of the entry
  - name (string): Item name
  - scanlator (string): Scanlator group, if any
  - number (numeric): Item number (e.g., +number:>=10)
  - entryId, itemId, sourceId (numeric)
  - sizeBytes (numeric): Size on disk
  - downloadedAt (time): When the item finished downloading
  - directoryPath (string): Where the item lives on disk
  - torrentPath, magnetLink (string): Set by the 'torrent' command

Examples:
  media-downloader search "+entryTitle:berserk"
  media-downloader search "+scanlator:group +number:>=100"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntP("limit", "n", 20, "Maximum number of results to print")
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	limit, _ := cmd.Flags().GetInt("limit")
	if globalConfig.IndexPath == "" {
		return errors.New("index path is not configured")
	}

	// Open instead of OpenOrCreateIndex so searching never creates an index.
	bleveIndex, err := bleve.Open(globalConfig.IndexPath)
	if err != nil {
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			return fmt.Errorf("index not found at %s, run 'download' first to create it", globalConfig.IndexPath)
		}
		return fmt.Errorf("failed to open index at %s: %w", globalConfig.IndexPath, err)
	}
	defer func() {
		if err := bleveIndex.Close(); err != nil {
			log.Errorf("Error closing Bleve index: %v", err)
		}
	}()

	results, err := index.SearchIndex(bleveIndex, query, limit)
	if err != nil {
		return fmt.Errorf("error performing search: %w", err)
	}
	log.Debugf("Search finished. Hits: %d, Total: %d, Took: %s", len(results.Hits), results.Total, results.Took)

	if results.Total == 0 {
		fmt.Println("No results found matching your query.")
		return nil
	}
	fmt.Printf("--- %d of %d results ---\n", len(results.Hits), results.Total)
	for i, hit := range results.Hits {
		fmt.Printf("[%d] %s (Score: %.2f)\n", i+1, hit.ID, hit.Score)
		fields := make([]string, 0, len(hit.Fields))
		for field := range hit.Fields {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			fmt.Printf("  %s: %v\n", field, hit.Fields[field])
		}
	}
	return nil
}

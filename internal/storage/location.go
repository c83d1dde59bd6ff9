// Package storage resolves where downloaded media lives on disk.
//
// Layout: <root>/<sourceId>/<entry title>/<item dir or artifact>. Titles, names and
// scanlators are used instead of numeric ids so downloads survive a source re-indexing
// its catalog.
package storage

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go-media-download/internal/helpers"
	"go-media-download/internal/models"
)

// TmpSuffix marks an item directory whose download has not finished.
const TmpSuffix = "_tmp"

// defaultItemName replaces a blank item name.
const defaultItemName = "Item"

// ArtifactExtensions are single-file artifacts that stand for a whole item.
var ArtifactExtensions = []string{".cbz", ".zip", ".mp4", ".mkv"}

// Location owns the downloads root directory.
type Location struct {
	root string
}

func NewLocation(root string) *Location {
	return &Location{root: filepath.Clean(root)}
}

func (l *Location) Root() string { return l.root }

// SourceDir is keyed on the numeric source id so it can be resolved without the source.
func (l *Location) SourceDir(sourceID int64) string {
	return filepath.Join(l.root, strconv.FormatInt(sourceID, 10))
}

// EntryDirName returns the directory name for an entry.
func EntryDirName(entry models.Entry) string {
	return helpers.BuildValidFilename(entry.Title)
}

func (l *Location) EntryDir(entry models.Entry) string {
	return filepath.Join(l.SourceDir(entry.SourceID), EntryDirName(entry))
}

// ItemDirName returns "<scanlator>_<name>", or just the name when there is no scanlator.
func ItemDirName(item models.Item) string {
	name := itemName(item)
	if strings.TrimSpace(item.Scanlator) != "" {
		return helpers.BuildValidFilename(item.Scanlator + "_" + name)
	}
	return helpers.BuildValidFilename(name)
}

// ValidItemDirNames returns the current name followed by older naming schemes that are
// still honoured on lookup and deletion.
func ValidItemDirNames(item models.Item) []string {
	current := ItemDirName(item)
	names := []string{current}
	if strings.TrimSpace(item.Scanlator) == "" {
		legacy := helpers.BuildValidFilename("_" + itemName(item))
		if legacy != current {
			names = append(names, legacy)
		}
	}
	return names
}

// CandidateNames lists every directory or file name that may hold the item.
func CandidateNames(item models.Item) []string {
	dirs := ValidItemDirNames(item)
	names := make([]string, 0, len(dirs)*(1+len(ArtifactExtensions)))
	for _, d := range dirs {
		names = append(names, d)
		for _, ext := range ArtifactExtensions {
			names = append(names, d+ext)
		}
	}
	return names
}

func (l *Location) ItemDir(entry models.Entry, item models.Item) string {
	return filepath.Join(l.EntryDir(entry), ItemDirName(item))
}

// TmpItemDir is where an item is assembled before it is renamed into place.
func (l *Location) TmpItemDir(entry models.Entry, item models.Item) string {
	return l.ItemDir(entry, item) + TmpSuffix
}

// IsTemporary reports whether a name belongs to an unfinished download.
func IsTemporary(name string) bool {
	return strings.HasSuffix(name, TmpSuffix) || strings.HasSuffix(name, ".tmp")
}

// IsArtifactFile reports whether a plain file name counts as a downloaded item.
func IsArtifactFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ArtifactExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// DirSize sums the sizes of all regular files below path. A regular file is returned as is.
func DirSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

// RemoveIfEmpty deletes dir when it has no children. Missing directories are ignored.
func RemoveIfEmpty(dir string) (bool, error) {
	children, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if len(children) > 0 {
		return false, nil
	}
	return true, os.Remove(dir)
}

func itemName(item models.Item) string {
	if strings.TrimSpace(item.Name) == "" {
		return defaultItemName
	}
	return item.Name
}

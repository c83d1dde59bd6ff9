package helpers

import (
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// maxFilenameBytes keeps generated names below the common 255 byte limit with room for suffixes.
const maxFilenameBytes = 240

// invalidFilenameChars are rejected by at least one of the filesystems downloads may land on.
const invalidFilenameChars = "\"*/:<>?\\|"

// BuildValidFilename turns an entry title or item name into a single path element.
// Invalid characters become '_', leading and trailing dots and spaces are removed and
// the result is cut to maxFilenameBytes without splitting a rune.
func BuildValidFilename(name string) string {
	var sb strings.Builder
	for _, ch := range name {
		if ch == utf8.RuneError || unicode.IsControl(ch) || strings.ContainsRune(invalidFilenameChars, ch) {
			sb.WriteRune('_')
			continue
		}
		sb.WriteRune(ch)
	}
	str := strings.Trim(sb.String(), ". ")

	if len(str) > maxFilenameBytes {
		cut := maxFilenameBytes
		for cut > 0 && !utf8.RuneStart(str[cut]) {
			cut--
		}
		str = strings.TrimRight(str[:cut], ". ")
	}

	if str == "" {
		return "(invalid)"
	}
	return str
}

// FileChecksum returns the upper-case hex BLAKE3 digest of a file.
func FileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("error hashing %s: %w", path, err)
	}
	return strings.ToUpper(hex.EncodeToString(hasher.Sum(nil))), nil
}

// CheckHash verifies a file against an expected BLAKE3 hex digest. Case and surrounding
// whitespace in the expected value are ignored.
func CheckHash(path string, expected string) bool {
	expected = strings.ToUpper(strings.TrimSpace(expected))
	if expected == "" {
		return false
	}
	calculated, err := FileChecksum(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("Error hashing file %s", path)
		}
		return false
	}
	if calculated != expected {
		log.WithFields(log.Fields{"file": path, "want": expected, "got": calculated}).Debug("Hash mismatch")
		return false
	}
	return true
}

// CounterWriter tracks the number of bytes written to the underlying writer.
// Total is safe to read while another goroutine writes.
type CounterWriter struct {
	Writer  io.Writer
	OnWrite func(n int) // optional, called after every successful write

	total atomic.Uint64
}

// Write implements the io.Writer interface for CounterWriter.
func (cw *CounterWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	if n > 0 {
		cw.total.Add(uint64(n))
		if cw.OnWrite != nil {
			cw.OnWrite(n)
		}
	}
	return n, err
}

// Total returns the bytes written so far.
func (cw *CounterWriter) Total() uint64 {
	return cw.total.Load()
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary (0700).
func CheckAndMakeDir(dir string) bool {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}

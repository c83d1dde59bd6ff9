package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go-media-download/internal/helpers"
	"go-media-download/internal/source"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Downloader errors
var (
	ErrHashMismatch      = errors.New("downloaded file hash mismatch")
	ErrSizeMismatch      = errors.New("downloaded file size mismatch")
	ErrEmptyArtifact     = errors.New("download produced no data")
	ErrFileSystem        = errors.New("filesystem error") // create, remove, rename
	ErrSourceUnavailable = errors.New("source not available")
	ErrInsufficientSpace = errors.New("not enough free disk space")
	ErrChunkTimeout      = errors.New("chunk fetch timed out")
	errCancelled         = errors.New("download cancelled")
	errPaused            = errors.New("download paused")
)

// partFetcher writes parts of one job into its temporary item directory.
type partFetcher struct {
	src          source.Source
	dir          string
	limiter      *rate.Limiter
	chunkTimeout time.Duration
	safe         bool
	onBytes      func(n int)
}

// fetch downloads one part to dir/<name> through a temp file that is renamed into place
// once the size and checksum checks pass. The temp file is always removed on failure.
func (f *partFetcher) fetch(ctx context.Context, part source.Part) error {
	name := helpers.BuildValidFilename(part.Name)
	finalPath := filepath.Join(f.dir, name)

	pctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(f.chunkTimeout, func() { cancel(ErrChunkTimeout) })
	defer idle.Stop()

	body, err := f.src.Open(pctx, part)
	if err != nil {
		return causeOr(pctx, fmt.Errorf("opening %s: %w", name, err))
	}
	defer body.Close()

	tempFile, err := os.CreateTemp(f.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temporary file for %s: %w", ErrFileSystem, name, err)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			_ = tempFile.Close()
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	counter := &helpers.CounterWriter{Writer: tempFile, OnWrite: f.onBytes}
	reader := &throttledReader{ctx: pctx, r: body, limiter: f.limiter, idle: idle, timeout: f.chunkTimeout}
	if _, err = io.Copy(counter, reader); err != nil {
		return causeOr(pctx, fmt.Errorf("writing %s: %w", name, err))
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("%w: closing temp file %s: %w", ErrFileSystem, tempFile.Name(), err)
	}

	written := int64(counter.Total())
	if written == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyArtifact, name)
	}
	if part.Size > 0 && written != part.Size {
		return fmt.Errorf("%w: %s wrote %d bytes, expected %d", ErrSizeMismatch, name, written, part.Size)
	}

	if f.safe {
		if err := f.verify(pctx, part, tempFile.Name(), written); err != nil {
			return err
		}
	}

	if err := os.Rename(tempFile.Name(), finalPath); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %w", ErrFileSystem, tempFile.Name(), finalPath, err)
	}
	shouldCleanupTemp = false
	log.WithFields(log.Fields{"part": name, "size": helpers.BytesToSize(uint64(written))}).Debug("Part downloaded")
	return nil
}

// verify performs the extra checks of safe download mode: the remote size reported by
// the source and the part checksum when one is known.
func (f *partFetcher) verify(ctx context.Context, part source.Part, path string, written int64) error {
	if sv, ok := f.src.(source.SizeVerifier); ok {
		remote, err := sv.RemoteSize(ctx, part)
		if err != nil {
			return causeOr(ctx, fmt.Errorf("checking remote size of %s: %w", part.Name, err))
		}
		if remote >= 0 && remote != written {
			return fmt.Errorf("%w: %s is %d bytes on disk, source reports %d", ErrSizeMismatch, part.Name, written, remote)
		}
	}
	if part.Checksum != "" && !helpers.CheckHash(path, part.Checksum) {
		return fmt.Errorf("%w: %s", ErrHashMismatch, part.Name)
	}
	return nil
}

// causeOr prefers the context's cancellation cause over the I/O error it produced.
func causeOr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

// Package resultstore keeps finished voice-swap artifacts in a local directory.
package resultstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/book-expert/voice-swap-service/internal/fsutil"
)

// Local is a core.ResultsStore backed by a directory on disk.
type Local struct {
	dir string
	log *logger.Logger
}

// NewLocal creates a Local store rooted at dir, creating it if needed.
func NewLocal(dir string, log *logger.Logger) (*Local, error) {
	err := fsutil.EnsureDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrIO, err)
	}

	return &Local{dir: dir, log: log}, nil
}

// Dir returns the directory artifacts are stored in.
func (l *Local) Dir() string {
	return l.dir
}

// Store copies artifactPath into the store under core.ResultKey(jobID). The file
// becomes visible under its final name only once fully written, and an existing
// artifact is never replaced.
func (l *Local) Store(ctx context.Context, jobID, artifactPath string) (string, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return "", fmt.Errorf("%w: %w", core.ErrCanceled, ctxErr)
	}

	key := core.ResultKey(jobID)
	final := filepath.Join(l.dir, key)

	tmp, err := os.CreateTemp(l.dir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("%w: failed to stage result for job %s: %w", core.ErrIO, jobID, err)
	}

	tmpPath := tmp.Name()
	_ = tmp.Close()

	defer func() {
		removeErr := os.Remove(tmpPath)
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			l.log.Warn("Failed to remove staging file '%s': %v", tmpPath, removeErr)
		}
	}()

	copyErr := fsutil.CopyFile(artifactPath, tmpPath)
	if copyErr != nil {
		return "", fmt.Errorf("%w: %w", core.ErrIO, copyErr)
	}

	// Link fails if final exists, unlike Rename.
	linkErr := os.Link(tmpPath, final)
	if linkErr != nil {
		if errors.Is(linkErr, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", core.ErrArtifactExists, key)
		}

		return "", fmt.Errorf("%w: failed to publish result %s: %w", core.ErrIO, key, linkErr)
	}

	info, statErr := os.Stat(final)
	if statErr == nil {
		l.log.Info("Stored result %s (%s)", key, fsutil.FormatFileSize(info.Size()))
	}

	return key, nil
}

// Fetch reads a stored artifact.
func (l *Local) Fetch(_ context.Context, key string) ([]byte, error) {
	if key != filepath.Base(key) {
		return nil, fmt.Errorf("%w: invalid result key %q", core.ErrConfiguration, key)
	}

	data, err := os.ReadFile(filepath.Join(l.dir, key))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read result %s: %w", core.ErrIO, key, err)
	}

	return data, nil
}

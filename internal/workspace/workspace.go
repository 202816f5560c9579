// Package workspace manages the per-job scratch directories of the voice-swap pipeline.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/book-expert/voice-swap-service/internal/fsutil"
)

const dirPrefix = "job-"

// ErrInvalidRoot is returned when the workspace root is empty.
var ErrInvalidRoot = fmt.Errorf("%w: workspace root must not be empty", core.ErrConfiguration)

// Workspace is the exclusive scratch directory of one job.
type Workspace struct {
	JobID string
	Dir   string
}

// Path joins an artifact name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Manager creates and removes workspaces below a single root directory.
type Manager struct {
	root string
	log  *logger.Logger
}

// New creates a Manager and ensures root exists.
func New(root string, log *logger.Logger) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, ErrInvalidRoot
	}

	err := fsutil.EnsureDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrIO, err)
	}

	return &Manager{root: root, log: log}, nil
}

// Root returns the directory workspaces are created in.
func (m *Manager) Root() string {
	return m.root
}

// Create makes a fresh workspace for jobID. Two calls never return the same directory.
func (m *Manager) Create(jobID string) (*Workspace, error) {
	dir, err := os.MkdirTemp(m.root, dirPrefix+core.JobKey(jobID)+"-*")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create workspace for job %s: %w", core.ErrIO, jobID, err)
	}

	return &Workspace{JobID: jobID, Dir: dir}, nil
}

// Destroy removes the workspace and everything in it. Failures are logged, not returned.
func (m *Manager) Destroy(ws *Workspace) {
	if ws == nil || ws.Dir == "" {
		return
	}

	err := os.RemoveAll(ws.Dir)
	if err != nil {
		m.log.Warn("Failed to remove workspace '%s' for job %s: %v", ws.Dir, ws.JobID, err)

		return
	}

	m.log.Info("Removed workspace '%s' for job %s", ws.Dir, ws.JobID)
}

// Prune removes job directories under the root that were last modified more than
// olderThan ago. These are left behind only by processes that died mid-job.
func (m *Manager) Prune(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to list workspace root %s: %w", core.ErrIO, m.root, err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0

	var errs []error

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			errs = append(errs, infoErr)

			continue
		}

		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.root, entry.Name())

		removeErr := os.RemoveAll(path)
		if removeErr != nil {
			errs = append(errs, removeErr)

			continue
		}

		m.log.Info("Pruned orphaned workspace '%s' (%s old)", path,
			fsutil.FormatDuration(time.Since(info.ModTime()).Seconds()))

		removed++
	}

	if len(errs) > 0 {
		return removed, fmt.Errorf("%w: %w", core.ErrIO, errors.Join(errs...))
	}

	return removed, nil
}

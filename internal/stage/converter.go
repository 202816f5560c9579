package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/book-expert/voice-swap-service/internal/fsutil"
	"github.com/book-expert/voice-swap-service/internal/workspace"
)

// ConvertedFile is the voice converter's result inside the job workspace.
const ConvertedFile = "converted.wav"

// ErrAmbiguousResult is returned when more than one fresh result is equally newest.
var ErrAmbiguousResult = fmt.Errorf("%w: ambiguous voice conversion result", core.ErrMissingArtifact)

// ConverterConfig extends CommandConfig with the shared directories the voice-conversion
// tool reads from and writes to.
type ConverterConfig struct {
	CommandConfig

	RawDir     string
	ResultsDir string
}

// VoiceConverter runs the external voice-conversion tool and discovers its output.
// The template may use {input}, {name}, {stem}, {raw_dir} and {results_dir}.
//
// The tool writes results named after its input into a directory shared by every
// job, so the converter copies each job's input under a job-unique name and holds a
// lock on that name for the whole invoke-and-discover window.
type VoiceConverter struct {
	runner *Runner
	config ConverterConfig
	locks  *keyedMutex
	log    *logger.Logger
}

// NewVoiceConverter creates a VoiceConverter.
func NewVoiceConverter(runner *Runner, cfg ConverterConfig, log *logger.Logger) *VoiceConverter {
	return &VoiceConverter{
		runner: runner,
		config: cfg,
		locks:  newKeyedMutex(),
		log:    log,
	}
}

// Convert voice-converts monoPath and returns the converted file inside ws.
func (c *VoiceConverter) Convert(ctx context.Context, ws *workspace.Workspace, monoPath string) (string, error) {
	stem := "vocals_" + core.JobKey(ws.JobID)
	name := stem + ".wav"
	rawPath := filepath.Join(c.config.RawDir, name)

	unlock := c.locks.lock(stem)
	defer unlock()

	for _, dir := range []string{c.config.RawDir, c.config.ResultsDir} {
		dirErr := fsutil.EnsureDir(dir)
		if dirErr != nil {
			return "", core.NewStageError(core.StageVoiceConversion, core.ErrIO, "", dirErr)
		}
	}

	copyErr := fsutil.CopyFile(monoPath, rawPath)
	if copyErr != nil {
		return "", core.NewStageError(core.StageVoiceConversion, core.ErrIO, "", copyErr)
	}

	defer c.remove(rawPath)

	// Coarse filesystem timestamps may round a fresh result down to the second.
	start := time.Now().Truncate(time.Second)

	command := Expand(c.config.Command, map[string]string{
		"input":       rawPath,
		"name":        name,
		"stem":        stem,
		"raw_dir":     c.config.RawDir,
		"results_dir": c.config.ResultsDir,
	})

	err := c.runner.Run(ctx, Invocation{
		Stage:   core.StageVoiceConversion,
		Command: command,
		Dir:     c.config.Dir,
		Timeout: c.config.Timeout,
	})
	if err != nil {
		return "", err
	}

	matches, err := freshMatches(c.config.ResultsDir, stem, start)
	if err != nil {
		return "", core.NewStageError(core.StageVoiceConversion, core.ErrIO, "", err)
	}

	defer func() {
		for _, m := range matches {
			c.remove(m.path)
		}
	}()

	chosen, err := newest(matches)
	if err != nil {
		return "", core.NewStageError(core.StageVoiceConversion, core.ErrMissingArtifact,
			fmt.Sprintf("results for %s in %s", stem, c.config.ResultsDir), err)
	}

	output := ws.Path(ConvertedFile)

	copyErr = fsutil.CopyFile(chosen, output)
	if copyErr != nil {
		return "", core.NewStageError(core.StageVoiceConversion, core.ErrIO, "", copyErr)
	}

	return output, nil
}

func (c *VoiceConverter) remove(path string) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn("Failed to remove shared file '%s': %v", path, err)
	}
}

type match struct {
	path    string
	modTime time.Time
}

var errNoResult = errors.New("no result produced")

// freshMatches lists regular files in dir named <stem>.* modified at or after start.
// The dot after the stem keeps vocals_job1 from matching vocals_job10 results.
func freshMatches(dir, stem string, start time.Time) ([]match, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var matches []match

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, stem+".") {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil || !info.Mode().IsRegular() {
			continue
		}

		if info.ModTime().Before(start) {
			continue
		}

		matches = append(matches, match{path: filepath.Join(dir, name), modTime: info.ModTime()})
	}

	return matches, nil
}

// newest picks the single most recently modified match.
func newest(matches []match) (string, error) {
	if len(matches) == 0 {
		return "", errNoResult
	}

	best := matches[0]
	tied := false

	for _, m := range matches[1:] {
		switch {
		case m.modTime.After(best.modTime):
			best = m
			tied = false
		case m.modTime.Equal(best.modTime):
			tied = true
		}
	}

	if tied {
		return "", ErrAmbiguousResult
	}

	return best.path, nil
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu      sync.Mutex
	holders int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()

	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}

	entry.holders++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		k.mu.Lock()
		entry.holders--

		if entry.holders == 0 {
			delete(k.locks, key)
		}

		k.mu.Unlock()
	}
}

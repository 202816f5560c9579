// Package stage adapts the external collaborators of the pipeline (source separation,
// format normalization, voice conversion) into typed, time-bounded stage calls.
package stage

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/book-expert/voice-swap-service/internal/fsutil"
)

const (
	// DefaultWaitDelay bounds how long Run waits for output pipes after the process is killed.
	DefaultWaitDelay = 5 * time.Second
	maxDetailBytes   = 2048
)

// ErrEmptyCommand is returned when a stage has no command configured.
var ErrEmptyCommand = fmt.Errorf("%w: stage command is empty", core.ErrConfiguration)

// Invocation describes one run of an external tool.
type Invocation struct {
	Stage   core.Stage
	Command []string
	Dir     string
	Timeout time.Duration
}

// Runner executes external stage commands.
type Runner struct {
	log       *logger.Logger
	waitDelay time.Duration
}

// NewRunner creates a Runner that logs to log.
func NewRunner(log *logger.Logger) *Runner {
	return &Runner{log: log, waitDelay: DefaultWaitDelay}
}

// Run executes inv and classifies its failure. A deadline yields core.ErrTimeout, a
// canceled parent context core.ErrCanceled, and a failed or unstartable process
// core.ErrExternalStage. The process is killed in the first two cases.
func (r *Runner) Run(ctx context.Context, inv Invocation) error {
	if len(inv.Command) == 0 || strings.TrimSpace(inv.Command[0]) == "" {
		return core.NewStageError(inv.Stage, core.ErrConfiguration, "", ErrEmptyCommand)
	}

	stageCtx := ctx

	if inv.Timeout > 0 {
		var cancel context.CancelFunc

		stageCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	// #nosec G204 -- commands come from operator configuration, not from requests
	cmd := exec.CommandContext(stageCtx, inv.Command[0], inv.Command[1:]...)
	cmd.Dir = inv.Dir
	cmd.WaitDelay = r.waitDelay

	r.log.Info("Stage %s: running %s", inv.Stage, strings.Join(inv.Command, " "))

	started := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := fsutil.FormatDuration(time.Since(started).Seconds())

	if err == nil {
		r.log.Info("Stage %s: finished in %s", inv.Stage, elapsed)

		return nil
	}

	detail := tail(string(output))

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		r.log.Warn("Stage %s: canceled after %s", inv.Stage, elapsed)

		return core.NewStageError(inv.Stage, core.ErrCanceled, detail, err)
	case errors.Is(stageCtx.Err(), context.DeadlineExceeded):
		r.log.Error("Stage %s: timed out after %s", inv.Stage, elapsed)

		return core.NewStageError(inv.Stage, core.ErrTimeout,
			fmt.Sprintf("exceeded %s", inv.Timeout), err)
	default:
		r.log.Error("Stage %s: failed after %s: %v", inv.Stage, elapsed, err)

		return core.NewStageError(inv.Stage, core.ErrExternalStage, detail, err)
	}
}

// Expand substitutes {name} placeholders in every element of template.
func Expand(template []string, values map[string]string) []string {
	pairs := make([]string, 0, len(values)*2)
	for key, value := range values {
		pairs = append(pairs, "{"+key+"}", value)
	}

	replacer := strings.NewReplacer(pairs...)

	expanded := make([]string, len(template))
	for i, arg := range template {
		expanded[i] = replacer.Replace(arg)
	}

	return expanded
}

// requireOutput fails with core.ErrMissingArtifact unless path is a regular file.
func requireOutput(stage core.Stage, path string) error {
	_, err := fsutil.RegularFile(path)
	if err != nil {
		return core.NewStageError(stage, core.ErrMissingArtifact, "expected output "+path, err)
	}

	return nil
}

func tail(output string) string {
	output = strings.TrimSpace(output)
	if len(output) <= maxDetailBytes {
		return output
	}

	return "..." + output[len(output)-maxDetailBytes:]
}

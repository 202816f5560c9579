package stage

import (
	"context"
	"time"

	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/book-expert/voice-swap-service/internal/workspace"
)

// Artifact names the separator writes inside the job workspace.
const (
	VocalsFile       = "vocals.wav"
	InstrumentalFile = "instrumental.wav"
	separatedDir     = "separated"
)

// CommandConfig is the operator-supplied template of an external stage.
type CommandConfig struct {
	Command []string
	Dir     string
	Timeout time.Duration
}

// Separator splits a song into vocal and instrumental stems with an external tool.
// The template may use {input}, {vocals}, {instrumental} and {outdir}.
type Separator struct {
	runner *Runner
	config CommandConfig
}

// NewSeparator creates a Separator.
func NewSeparator(runner *Runner, cfg CommandConfig) *Separator {
	return &Separator{runner: runner, config: cfg}
}

// Separate runs the separation tool on input and returns the two stem paths.
func (s *Separator) Separate(ctx context.Context, ws *workspace.Workspace, input string) (string, string, error) {
	vocals := ws.Path(VocalsFile)
	instrumental := ws.Path(InstrumentalFile)

	command := Expand(s.config.Command, map[string]string{
		"input":        input,
		"vocals":       vocals,
		"instrumental": instrumental,
		"outdir":       ws.Path(separatedDir),
	})

	err := s.runner.Run(ctx, Invocation{
		Stage:   core.StageSeparation,
		Command: command,
		Dir:     s.config.Dir,
		Timeout: s.config.Timeout,
	})
	if err != nil {
		return "", "", err
	}

	for _, path := range []string{vocals, instrumental} {
		missingErr := requireOutput(core.StageSeparation, path)
		if missingErr != nil {
			return "", "", missingErr
		}
	}

	return vocals, instrumental, nil
}

package stage

import (
	"context"
	"strconv"

	"github.com/book-expert/voice-swap-service/internal/audio"
	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/book-expert/voice-swap-service/internal/workspace"
)

// MonoVocalsFile is the formatter's output inside the job workspace.
const MonoVocalsFile = "vocals_mono.wav"

// Formatter converts the separated vocals into the mono WAV the voice converter expects.
type Formatter interface {
	Format(ctx context.Context, ws *workspace.Workspace, input string) (string, error)
}

// InternalFormatter downmixes and resamples in-process.
type InternalFormatter struct {
	SampleRate int
}

// NewInternalFormatter creates an InternalFormatter targeting sampleRate.
func NewInternalFormatter(sampleRate int) *InternalFormatter {
	return &InternalFormatter{SampleRate: sampleRate}
}

// Format writes a 16-bit mono WAV at the target rate.
func (f *InternalFormatter) Format(ctx context.Context, ws *workspace.Workspace, input string) (string, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return "", core.NewStageError(core.StageFormatting, core.ErrCanceled, "", ctxErr)
	}

	output := ws.Path(MonoVocalsFile)

	_, err := audio.Conform(input, output, f.SampleRate)
	if err != nil {
		return "", core.AsStageError(core.StageFormatting, err)
	}

	return output, nil
}

// CommandFormatter delegates format normalization to an external transcoder such as
// ffmpeg. The template may use {input}, {output} and {rate}.
type CommandFormatter struct {
	runner     *Runner
	config     CommandConfig
	sampleRate int
}

// NewCommandFormatter creates a CommandFormatter.
func NewCommandFormatter(runner *Runner, cfg CommandConfig, sampleRate int) *CommandFormatter {
	return &CommandFormatter{runner: runner, config: cfg, sampleRate: sampleRate}
}

// Format runs the transcoder and checks that it produced its output.
func (f *CommandFormatter) Format(ctx context.Context, ws *workspace.Workspace, input string) (string, error) {
	output := ws.Path(MonoVocalsFile)

	command := Expand(f.config.Command, map[string]string{
		"input":  input,
		"output": output,
		"rate":   strconv.Itoa(f.sampleRate),
	})

	err := f.runner.Run(ctx, Invocation{
		Stage:   core.StageFormatting,
		Command: command,
		Dir:     f.config.Dir,
		Timeout: f.config.Timeout,
	})
	if err != nil {
		return "", err
	}

	missingErr := requireOutput(core.StageFormatting, output)
	if missingErr != nil {
		return "", missingErr
	}

	return output, nil
}

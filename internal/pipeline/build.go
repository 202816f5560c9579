package pipeline

import (
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-swap-service/internal/config"
	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/book-expert/voice-swap-service/internal/stage"
	"github.com/book-expert/voice-swap-service/internal/workspace"
)

// FromConfig wires an Orchestrator from validated configuration and a results store.
// The workspace manager is returned so callers can prune orphaned workspaces.
func FromConfig(
	cfg *config.Config,
	results core.ResultsStore,
	log *logger.Logger,
) (*Orchestrator, *workspace.Manager, error) {
	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, nil, validateErr
	}

	workspaces, err := workspace.New(cfg.Paths.WorkspaceRoot, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create workspace manager: %w", err)
	}

	runner := stage.NewRunner(log)

	sep := cfg.Stages.Separation
	separator := stage.NewSeparator(runner, stage.CommandConfig{
		Command: sep.Command,
		Dir:     sep.Dir,
		Timeout: sep.Timeout(),
	})

	var formatter stage.Formatter

	formatting := cfg.Stages.Formatting
	if formatting.Mode == config.FormattingCommand {
		formatter = stage.NewCommandFormatter(runner, stage.CommandConfig{
			Command: formatting.Command,
			Dir:     formatting.Dir,
			Timeout: formatting.Timeout(),
		}, cfg.Pipeline.SampleRate)
	} else {
		formatter = stage.NewInternalFormatter(cfg.Pipeline.SampleRate)
	}

	vc := cfg.Stages.VoiceConversion
	converter := stage.NewVoiceConverter(runner, stage.ConverterConfig{
		CommandConfig: stage.CommandConfig{
			Command: vc.Command,
			Dir:     vc.Dir,
			Timeout: vc.Timeout(),
		},
		RawDir:     vc.RawDir,
		ResultsDir: vc.ResultsDir,
	}, log)

	orchestrator, err := New(Dependencies{
		Workspaces: workspaces,
		Separator:  separator,
		Formatter:  formatter,
		Converter:  converter,
		Results:    results,
	}, Settings{
		Enhance:    cfg.Enhance,
		Mix:        cfg.Mix,
		SampleRate: cfg.Pipeline.SampleRate,
		JobTimeout: cfg.JobTimeout(),
		Observer:   nil,
	}, log)
	if err != nil {
		return nil, nil, err
	}

	return orchestrator, workspaces, nil
}

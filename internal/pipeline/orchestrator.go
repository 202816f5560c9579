// Package pipeline sequences the stages of one voice-swap job and owns its state machine.
//
// A job moves Pending, Separating, Formatting, VoiceConverting, Enhancing, Mixing,
// Succeeded. The first failing stage moves it to Failed and no later stage runs.
// The job workspace is destroyed on every terminal path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-swap-service/internal/audio"
	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/book-expert/voice-swap-service/internal/dsp"
	"github.com/book-expert/voice-swap-service/internal/fsutil"
	"github.com/book-expert/voice-swap-service/internal/stage"
	"github.com/book-expert/voice-swap-service/internal/workspace"
	"github.com/google/uuid"
)

// Artifact names the orchestrator writes inside the job workspace.
const (
	inputBaseName = "input"
	enhancedFile  = "enhanced.wav"
	mixedFile     = "mixed.wav"
	defaultExt    = ".wav"
)

// Validation errors returned by New and Run.
var (
	ErrMissingDependency = fmt.Errorf("%w: missing pipeline dependency", core.ErrConfiguration)
	ErrInvalidMix        = fmt.Errorf("%w: invalid mix gains", core.ErrConfiguration)
	ErrInvalidInput      = fmt.Errorf("%w: invalid input song", core.ErrConfiguration)
)

// Separator splits a song into vocal and instrumental stems.
type Separator interface {
	Separate(ctx context.Context, ws *workspace.Workspace, input string) (string, string, error)
}

// VoiceConverter converts mono vocals to the target voice.
type VoiceConverter interface {
	Convert(ctx context.Context, ws *workspace.Workspace, monoPath string) (string, error)
}

// Dependencies are the collaborators of the orchestrator.
type Dependencies struct {
	Workspaces *workspace.Manager
	Separator  Separator
	Formatter  stage.Formatter
	Converter  VoiceConverter
	Results    core.ResultsStore
}

// Settings hold the in-process stage parameters.
type Settings struct {
	Enhance    dsp.ChainConfig
	Mix        dsp.MixSpec
	SampleRate int
	JobTimeout time.Duration
	// Observer, if set, is called after every status transition.
	Observer func(job *core.Job)
}

// Orchestrator runs voice-swap jobs.
type Orchestrator struct {
	deps     Dependencies
	settings Settings
	chain    *dsp.Chain
	log      *logger.Logger
}

// New validates settings and dependencies and creates an Orchestrator. Invalid
// enhancement or mix parameters are reported here, before any job runs.
func New(deps Dependencies, settings Settings, log *logger.Logger) (*Orchestrator, error) {
	switch {
	case deps.Workspaces == nil:
		return nil, fmt.Errorf("%w: workspace manager", ErrMissingDependency)
	case deps.Separator == nil:
		return nil, fmt.Errorf("%w: separator", ErrMissingDependency)
	case deps.Formatter == nil:
		return nil, fmt.Errorf("%w: formatter", ErrMissingDependency)
	case deps.Converter == nil:
		return nil, fmt.Errorf("%w: voice converter", ErrMissingDependency)
	case deps.Results == nil:
		return nil, fmt.Errorf("%w: results store", ErrMissingDependency)
	case log == nil:
		return nil, fmt.Errorf("%w: logger", ErrMissingDependency)
	}

	if settings.SampleRate <= 0 || settings.SampleRate > audio.MaxSampleRate {
		return nil, fmt.Errorf("%w: sample rate %d", core.ErrConfiguration, settings.SampleRate)
	}

	err := settings.Enhance.Validate(settings.SampleRate)
	if err != nil {
		return nil, err
	}

	err = validateGains(settings.Mix.VocalGain, settings.Mix.InstrumentalGain)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		deps:     deps,
		settings: settings,
		chain:    dsp.NewChain(settings.Enhance),
		log:      log,
	}, nil
}

// Run executes req to a terminal status and returns the job record. It never panics
// on stage failure; the failure is recorded in Job.Failure.
func (o *Orchestrator) Run(ctx context.Context, req core.Request) *core.Job {
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	job := core.NewJob(jobID)
	o.notify(job)

	if o.settings.JobTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, o.settings.JobTimeout)
		defer cancel()
	}

	mix, gainsErr := o.mixSpec(req.Gains)
	if gainsErr != nil {
		return o.fail(job, core.Failed(core.StageMixing, gainsErr))
	}

	ws, err := o.deps.Workspaces.Create(jobID)
	if err != nil {
		return o.fail(job, core.Failed(core.StageWorkspace, err))
	}
	defer o.deps.Workspaces.Destroy(ws)

	job.WorkspacePath = ws.Dir

	input := o.writeInput(ws, req)
	if !input.OK() {
		return o.fail(job, input)
	}

	o.advance(job, core.StatusSeparating)

	separated, instrumental := o.separate(ctx, ws, input.Path)
	if !separated.OK() {
		return o.fail(job, separated)
	}

	job.StageOutputs[core.StageSeparation] = separated.Path
	job.StageOutputs[core.OutputVocals] = separated.Path
	job.StageOutputs[core.OutputInstrumental] = instrumental

	steps := []struct {
		status core.Status
		run    func(input string) core.StageResult
	}{
		{core.StatusFormatting, func(in string) core.StageResult { return o.format(ctx, ws, in) }},
		{core.StatusVoiceConverting, func(in string) core.StageResult { return o.convert(ctx, ws, in) }},
		{core.StatusEnhancing, func(in string) core.StageResult { return o.enhance(ctx, ws, in) }},
		{core.StatusMixing, func(in string) core.StageResult { return o.mix(ctx, ws, in, instrumental, mix) }},
	}

	current := separated.Path

	for _, step := range steps {
		o.advance(job, step.status)

		result := step.run(current)
		if !result.OK() {
			return o.fail(job, result)
		}

		job.StageOutputs[result.Stage] = result.Path
		current = result.Path
	}

	key, storeErr := o.store(ctx, jobID, current)
	if storeErr != nil {
		return o.fail(job, core.Failed(core.StageStore, storeErr))
	}

	job.ResultKey = key
	job.FinishedAt = time.Now()
	o.advance(job, core.StatusSucceeded)

	o.log.Info("Job %s succeeded in %s, result %s", job.ID,
		fsutil.FormatDuration(job.FinishedAt.Sub(job.StartedAt).Seconds()), key)

	return job
}

func (o *Orchestrator) writeInput(ws *workspace.Workspace, req core.Request) core.StageResult {
	if len(req.Input) == 0 {
		return core.Failed(core.StageWorkspace, fmt.Errorf("%w: empty input", ErrInvalidInput))
	}

	ext := defaultExt
	if req.InputName != "" {
		if !fsutil.IsValidAudioFile(req.InputName) {
			return core.Failed(core.StageWorkspace,
				fmt.Errorf("%w: unsupported file type %q", ErrInvalidInput, filepath.Ext(req.InputName)))
		}

		ext = strings.ToLower(filepath.Ext(req.InputName))
	}

	path := ws.Path(inputBaseName + ext)

	err := os.WriteFile(path, req.Input, 0o600)
	if err != nil {
		return core.Failed(core.StageWorkspace, fmt.Errorf("%w: %w", core.ErrIO, err))
	}

	return core.Succeeded(core.StageWorkspace, path)
}

func (o *Orchestrator) separate(ctx context.Context, ws *workspace.Workspace, input string) (core.StageResult, string) {
	ctxErr := checkContext(ctx)
	if ctxErr != nil {
		return core.Failed(core.StageSeparation, ctxErr), ""
	}

	vocals, instrumental, err := o.deps.Separator.Separate(ctx, ws, input)
	if err != nil {
		return core.Failed(core.StageSeparation, err), ""
	}

	return core.Succeeded(core.StageSeparation, vocals), instrumental
}

func (o *Orchestrator) format(ctx context.Context, ws *workspace.Workspace, vocals string) core.StageResult {
	ctxErr := checkContext(ctx)
	if ctxErr != nil {
		return core.Failed(core.StageFormatting, ctxErr)
	}

	mono, err := o.deps.Formatter.Format(ctx, ws, vocals)
	if err != nil {
		return core.Failed(core.StageFormatting, err)
	}

	return core.Succeeded(core.StageFormatting, mono)
}

func (o *Orchestrator) convert(ctx context.Context, ws *workspace.Workspace, mono string) core.StageResult {
	ctxErr := checkContext(ctx)
	if ctxErr != nil {
		return core.Failed(core.StageVoiceConversion, ctxErr)
	}

	converted, err := o.deps.Converter.Convert(ctx, ws, mono)
	if err != nil {
		return core.Failed(core.StageVoiceConversion, err)
	}

	return core.Succeeded(core.StageVoiceConversion, converted)
}

func (o *Orchestrator) enhance(ctx context.Context, ws *workspace.Workspace, converted string) core.StageResult {
	ctxErr := checkContext(ctx)
	if ctxErr != nil {
		return core.Failed(core.StageEnhancement, ctxErr)
	}

	buf, err := audio.LoadWAV(converted)
	if err != nil {
		return core.Failed(core.StageEnhancement, missingOr(err))
	}

	// The chain was validated at the pipeline rate, whatever rate the model emits.
	buf, err = audio.Resample(buf, o.settings.SampleRate)
	if err != nil {
		return core.Failed(core.StageEnhancement, err)
	}

	enhanced, err := o.chain.Process(buf)
	if err != nil {
		return core.Failed(core.StageEnhancement, err)
	}

	output := ws.Path(enhancedFile)

	err = audio.SaveWAV(output, enhanced)
	if err != nil {
		return core.Failed(core.StageEnhancement, fmt.Errorf("%w: %w", core.ErrIO, err))
	}

	return core.Succeeded(core.StageEnhancement, output)
}

func (o *Orchestrator) mix(
	ctx context.Context,
	ws *workspace.Workspace,
	vocalsPath, instrumentalPath string,
	spec dsp.MixSpec,
) core.StageResult {
	ctxErr := checkContext(ctx)
	if ctxErr != nil {
		return core.Failed(core.StageMixing, ctxErr)
	}

	vocals, err := audio.LoadWAV(vocalsPath)
	if err != nil {
		return core.Failed(core.StageMixing, missingOr(err))
	}

	instrumental, err := audio.LoadWAV(instrumentalPath)
	if err != nil {
		return core.Failed(core.StageMixing, missingOr(err))
	}

	mixed, err := dsp.Mix(vocals, instrumental, spec)
	if err != nil {
		return core.Failed(core.StageMixing, err)
	}

	output := ws.Path(mixedFile)

	err = audio.SaveWAV(output, mixed)
	if err != nil {
		return core.Failed(core.StageMixing, fmt.Errorf("%w: %w", core.ErrIO, err))
	}

	return core.Succeeded(core.StageMixing, output)
}

func (o *Orchestrator) store(ctx context.Context, jobID, mixed string) (string, error) {
	ctxErr := checkContext(ctx)
	if ctxErr != nil {
		return "", ctxErr
	}

	return o.deps.Results.Store(ctx, jobID, mixed)
}

func (o *Orchestrator) mixSpec(gains *core.MixGains) (dsp.MixSpec, error) {
	if gains == nil {
		return o.settings.Mix, nil
	}

	err := validateGains(gains.VocalGain, gains.InstrumentalGain)
	if err != nil {
		return dsp.MixSpec{}, err
	}

	spec := o.settings.Mix
	if gains.VocalGain != 0 {
		spec.VocalGain = gains.VocalGain
	}

	if gains.InstrumentalGain != 0 {
		spec.InstrumentalGain = gains.InstrumentalGain
	}

	return spec, nil
}

func (o *Orchestrator) advance(job *core.Job, status core.Status) {
	job.Status = status
	o.log.Info("Job %s: %s", job.ID, status)
	o.notify(job)
}

func (o *Orchestrator) fail(job *core.Job, result core.StageResult) *core.Job {
	job.Failure = result.Failure
	job.ResultKey = ""
	job.FinishedAt = time.Now()
	job.Status = core.StatusFailed

	o.log.Error("Job %s failed: %v", job.ID, result.Failure)
	o.notify(job)

	return job
}

func (o *Orchestrator) notify(job *core.Job) {
	if o.settings.Observer != nil {
		o.settings.Observer(job)
	}
}

// checkContext classifies an already finished context.
func checkContext(ctx context.Context) error {
	err := ctx.Err()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", core.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", core.ErrCanceled, err)
	}
}

// missingOr classifies an unreadable stage output as a missing artifact.
func missingOr(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %w", core.ErrMissingArtifact, err)
	}

	return err
}

func validateGains(vocal, instrumental float64) error {
	for _, gain := range []float64{vocal, instrumental} {
		if gain < 0 || math.IsNaN(gain) || math.IsInf(gain, 0) {
			return fmt.Errorf("%w: gains must be finite and >= 0, got %g/%g", ErrInvalidMix, vocal, instrumental)
		}
	}

	return nil
}

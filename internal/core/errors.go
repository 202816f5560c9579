package core

import (
	"errors"
	"fmt"
)

// Failure kinds. Every terminal job failure matches exactly one of these with errors.Is.
var (
	// ErrConfiguration indicates invalid filter, denoiser, dynamics, or stage settings.
	ErrConfiguration = errors.New("configuration error")
	// ErrExternalStage indicates a collaborator process exited with a non-zero status.
	ErrExternalStage = errors.New("external stage failure")
	// ErrMissingArtifact indicates an expected output file was absent or ambiguous.
	ErrMissingArtifact = errors.New("missing artifact")
	// ErrTimeout indicates a stage exceeded its time budget.
	ErrTimeout = errors.New("stage timeout")
	// ErrIO indicates a workspace, copy, or storage failure.
	ErrIO = errors.New("io failure")
	// ErrCanceled indicates the job was canceled while a stage was running.
	ErrCanceled = errors.New("job canceled")
)

// StageError is the failure half of a StageResult.
type StageError struct {
	Stage  Stage
	Kind   error
	Detail string
	Err    error
}

// NewStageError builds a StageError of the given kind.
func NewStageError(stage Stage, kind error, detail string, err error) *StageError {
	return &StageError{
		Stage:  stage,
		Kind:   kind,
		Detail: detail,
		Err:    err,
	}
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Is reports whether target is the failure kind of this error.
func (e *StageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// AsStageError converts any error returned by a stage into a StageError. Errors that
// are already classified keep their kind; anything else is treated as an IO failure.
func AsStageError(stage Stage, err error) *StageError {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		if stageErr.Stage == "" {
			stageErr.Stage = stage
		}

		return stageErr
	}

	for _, kind := range []error{ErrConfiguration, ErrExternalStage, ErrMissingArtifact, ErrTimeout, ErrCanceled} {
		if errors.Is(err, kind) {
			return NewStageError(stage, kind, "", err)
		}
	}

	return NewStageError(stage, ErrIO, "", err)
}

// StageResult is the typed outcome of one pipeline stage: either a produced path or a failure.
type StageResult struct {
	Stage   Stage
	Path    string
	Failure *StageError
}

// Succeeded builds a successful StageResult.
func Succeeded(stage Stage, path string) StageResult {
	return StageResult{Stage: stage, Path: path, Failure: nil}
}

// Failed builds a failed StageResult.
func Failed(stage Stage, err error) StageResult {
	return StageResult{Stage: stage, Path: "", Failure: AsStageError(stage, err)}
}

// OK reports whether the stage produced its output.
func (r StageResult) OK() bool {
	return r.Failure == nil
}

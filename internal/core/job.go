package core

import (
	"fmt"
	"time"
)

// Stage names one step of the voice-swap pipeline.
type Stage string

// Pipeline stages, in execution order.
const (
	StageSeparation      Stage = "separation"
	StageFormatting      Stage = "formatting"
	StageVoiceConversion Stage = "voice_conversion"
	StageEnhancement     Stage = "enhancement"
	StageMixing          Stage = "mixing"
	StageStore           Stage = "store"
	StageWorkspace       Stage = "workspace"
)

// Stage outputs recorded in Job.StageOutputs under these extra names.
const (
	OutputVocals       Stage = "vocals"
	OutputInstrumental Stage = "instrumental"
)

// Status is the position of a job in the pipeline state machine.
type Status int

// Job statuses. Any non-terminal status may transition to StatusFailed.
const (
	StatusPending Status = iota
	StatusSeparating
	StatusFormatting
	StatusVoiceConverting
	StatusEnhancing
	StatusMixing
	StatusSucceeded
	StatusFailed
)

var statusNames = map[Status]string{
	StatusPending:         "pending",
	StatusSeparating:      "separating",
	StatusFormatting:      "formatting",
	StatusVoiceConverting: "voice_converting",
	StatusEnhancing:       "enhancing",
	StatusMixing:          "mixing",
	StatusSucceeded:       "succeeded",
	StatusFailed:          "failed",
}

func (s Status) String() string {
	name, ok := statusNames[s]
	if !ok {
		return fmt.Sprintf("status(%d)", int(s))
	}

	return name
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job is the orchestrator's record of one voice-swap request.
type Job struct {
	ID            string
	WorkspacePath string
	StageOutputs  map[Stage]string
	Status        Status
	Failure       *StageError
	ResultKey     string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// NewJob creates a pending job.
func NewJob(id string) *Job {
	return &Job{
		ID:            id,
		WorkspacePath: "",
		StageOutputs:  make(map[Stage]string),
		Status:        StatusPending,
		Failure:       nil,
		ResultKey:     "",
		StartedAt:     time.Now(),
		FinishedAt:    time.Time{},
	}
}

// Err returns the terminal failure, or nil.
func (j *Job) Err() error {
	if j.Failure == nil {
		return nil
	}

	return j.Failure
}

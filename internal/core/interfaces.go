// Package core defines the core business logic and interfaces for the voice-swap service.
package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/book-expert/voice-swap-service/internal/fsutil"
	"github.com/google/uuid"
)

// jobKeyHashLength is the number of hex digits of the id hash appended to keys of
// ids that sanitization changed.
const jobKeyHashLength = 8

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// ResultsStore is the durable home of finished artifacts, keyed by job id.
// Store must never overwrite an artifact that belongs to a different job.
type ResultsStore interface {
	Store(ctx context.Context, jobID, artifactPath string) (string, error)
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// ErrArtifactExists is returned by a ResultsStore asked to overwrite an existing key.
var ErrArtifactExists = fmt.Errorf("%w: artifact already exists", ErrIO)

// JobKey maps a job id onto a filename-safe token without dots. Ids that are already
// safe map to themselves; any other id gets a hash of the raw id appended, so ids that
// sanitize to the same text still get distinct keys.
func JobKey(jobID string) string {
	safe := strings.ReplaceAll(fsutil.SanitizeFilename(jobID), ".", "_")
	if safe == jobID {
		return safe
	}

	sum := uuid.NewSHA1(uuid.NameSpaceURL, []byte(jobID)).String()

	return safe + "-" + sum[:jobKeyHashLength]
}

// ResultKey derives the results-store key for a job.
func ResultKey(jobID string) string {
	return "result_" + JobKey(jobID) + ".wav"
}

// MixGains overrides the configured per-source mixing gains for one request. A zero
// gain keeps the configured value.
type MixGains struct {
	VocalGain        float64
	InstrumentalGain float64
}

// Request is one voice-swap job submitted to the orchestrator.
type Request struct {
	JobID     string
	InputName string
	Input     []byte
	Gains     *MixGains
}

// JobRunner runs a voice-swap request to a terminal status.
type JobRunner interface {
	Run(ctx context.Context, req Request) *Job
}
